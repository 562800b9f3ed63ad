package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/relaymsg/accountd/internal/account"
)

func TestDetachedCopySharesNoState(t *testing.T) {
	orig := &account.Account{
		ACI:    uuid.New(),
		PNI:    uuid.New(),
		Number: "+15550100",
	}
	orig.AddDevice(&account.Device{ID: account.PrimaryDeviceID, Name: "original"})
	orig.MarkStale()

	clone, err := detachedCopy(orig)
	if err != nil {
		t.Fatalf("detachedCopy() error = %v", err)
	}

	if clone.ACI != orig.ACI {
		t.Errorf("aci = %s, want %s", clone.ACI, orig.ACI)
	}
	if clone.Stale() {
		t.Error("a clone must start fresh even when the source is stale")
	}

	clone.Device(account.PrimaryDeviceID).Name = "mutated"
	if got := orig.Device(account.PrimaryDeviceID).Name; got != "original" {
		t.Errorf("source device name = %q, mutation leaked through", got)
	}
}

func TestUpdateWithRetriesPropagatesPersistError(t *testing.T) {
	boom := errors.New("connection reset")
	a := &account.Account{ACI: uuid.New()}

	calls := 0
	_, err := updateWithRetries(context.Background(), a,
		func(*account.Account) bool { return true },
		func(context.Context, *account.Account) error {
			calls++
			return boom
		},
		func(context.Context) (*account.Account, error) {
			t.Fatal("a non-contested error must not trigger a refetch")
			return nil, nil
		},
	)

	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("persist calls = %d, want 1", calls)
	}
}

func TestUpdateWithRetriesStopsWhenUpdaterReportsNoChange(t *testing.T) {
	a := &account.Account{ACI: uuid.New()}
	refetched := &account.Account{ACI: a.ACI, Version: 7}

	first := true
	got, err := updateWithRetries(context.Background(), a,
		func(acct *account.Account) bool {
			// A concurrent writer already achieved the desired state by the
			// time the refetched copy arrives.
			return acct != refetched
		},
		func(context.Context, *account.Account) error {
			if first {
				first = false
				return account.ErrContested
			}
			t.Fatal("no second persist expected once the updater reports no change")
			return nil
		},
		func(context.Context) (*account.Account, error) { return refetched, nil },
	)
	if err != nil {
		t.Fatalf("updateWithRetries() error = %v", err)
	}
	if got != refetched {
		t.Error("expected the refetched copy back")
	}
	if a.Stale() {
		t.Error("the original must not be marked stale without a successful write")
	}
}
