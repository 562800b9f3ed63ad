package account

import (
	"errors"
	"fmt"
)

// ErrContested is returned by the primary store when a versioned write loses
// to a concurrent update. It is retryable.
var ErrContested = errors.New("account version contested")

// ErrUsernameNotAvailable is returned when a username is held or reserved by
// another live account. It is caller-visible and never retried.
var ErrUsernameNotAvailable = errors.New("username not available")

// RetryLimitExceededError is returned when an optimistic update keeps losing
// to concurrent writers past the retry bound.
type RetryLimitExceededError struct {
	Tries int
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("optimistic update gave up after %d contested attempts", e.Tries)
}
