package matcherrors

import (
	"errors"
	"fmt"
)

// Match sentinel errors. Shared by storage, matchmaking, scoring and the
// transport packages so every layer can classify failures with errors.Is.
var (
	// ErrNotFound means the referenced match no longer exists. Service methods
	// translate it into an absent result instead of returning it.
	ErrNotFound = errors.New("match not found")
	// ErrGuardFailed means a conditional write's precondition no longer held.
	ErrGuardFailed = errors.New("match changed concurrently")
	// ErrStoreUnavailable wraps transient infrastructure failures. Retryable.
	ErrStoreUnavailable = errors.New("match store unavailable")
	// ErrInvalidRequest is returned for malformed input before any store access.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMatchCompleted is returned when a completed match would be mutated.
	ErrMatchCompleted = errors.New("match already completed")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid match status transition")
)

// Invalid returns an ErrInvalidRequest carrying a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Unavailable marks err as a store failure. Nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsBenign reports whether err only says that a match is gone or moved on
// (not found or a lost race).
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrGuardFailed)
}
