package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaymsg/accountd/internal/account"
)

// maxUpdateTries bounds optimistic retries. Contention on a single account
// is rare, so no backoff is applied between attempts.
const maxUpdateTries = 10

// updateWithRetries applies updater to a and persists the result, retrying
// on contested writes.
//
// updater must report whether it actually changed anything; when it returns
// false the account is returned as-is with no write. On a successful persist
// the caller gets back a detached clone and the argument is marked stale:
// callers routinely hold references to the pre-update object, and silently
// reusing one with a later version would lose writes.
//
// A contested persist reloads the authoritative copy and re-runs updater; if
// updater then reports no change, a concurrent writer already achieved the
// desired state and the refetched copy is returned. ErrUsernameNotAvailable
// and any other non-contested error propagate immediately.
func updateWithRetries(
	ctx context.Context,
	a *account.Account,
	updater func(*account.Account) bool,
	persister func(ctx context.Context, a *account.Account) error,
	refetch func(ctx context.Context) (*account.Account, error),
) (*account.Account, error) {

	if !updater(a) {
		return a, nil
	}

	for tries := 0; tries < maxUpdateTries; tries++ {
		err := persister(ctx, a)
		if err == nil {
			clone, err := detachedCopy(a)
			if err != nil {
				return nil, err
			}
			a.MarkStale()
			return clone, nil
		}

		if !errors.Is(err, account.ErrContested) {
			return nil, err
		}

		a, err = refetch(ctx)
		if err != nil {
			return nil, err
		}
		if !updater(a) {
			return a, nil
		}
	}

	return nil, &account.RetryLimitExceededError{Tries: maxUpdateTries}
}

// detachedCopy returns an account sharing no mutable state with the
// argument. The JSON round trip doubles as the deep-copy mechanism and
// resets transient state such as the stale flag; the identifier is excluded
// from that reset and reattached explicitly.
func detachedCopy(a *account.Account) (*account.Account, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("serialize account %s: %w", a.ACI, err)
	}
	var clone account.Account
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("deserialize account %s: %w", a.ACI, err)
	}
	clone.ACI = a.ACI
	return &clone, nil
}
