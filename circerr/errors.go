// Package circerr defines the error values shared by the path selection,
// circuit building and circuit caching packages.
package circerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPath is returned when no path of the requested kind could be
	// assembled at all, for example because there is nothing to choose
	// from.
	ErrNoPath = errors.New("no path available")

	// ErrNoRelays is returned when the network view holds no relay that
	// satisfies the constraints of a particular hop.
	ErrNoRelays = errors.New("no relays available")

	// ErrAllFallbackDirsDown is returned when every configured fallback
	// directory is currently backed off.
	ErrAllFallbackDirsDown = errors.New("all fallback directories are " +
		"down")

	// ErrCircTimeout is returned when a circuit build exceeds its report
	// timeout. The build itself may still be running in the background.
	ErrCircTimeout = errors.New("circuit build timed out")

	// ErrUsageNotSupported is returned when a circuit cannot be narrowed
	// to a requested usage.
	ErrUsageNotSupported = errors.New("circuit usage not supported")

	// ErrNeedConsensus is returned when an operation needs a network view
	// but only fallback directories are known.
	ErrNeedConsensus = errors.New("a network consensus is required")

	// ErrPendingFailed is returned to a caller that waited on another
	// caller's circuit launch when that launch could not deliver a
	// circuit usable for the waiter's request.
	ErrPendingFailed = errors.New("pending circuit launch failed")

	// ErrGuardNotUsable is returned when a circuit was built through a
	// guard that the guard manager later declared unusable.
	ErrGuardNotUsable = errors.New("guard not usable")

	// ErrRequestCancelled is returned when the circuit manager shuts down
	// while a request is waiting.
	ErrRequestCancelled = errors.New("circuit request cancelled")
)

// BugError reports a broken internal invariant. It should never be seen in
// correct operation, but is returned instead of panicking so that the caller
// can log it and carry on.
type BugError struct {
	msg string
}

// Error implements the error interface.
func (b *BugError) Error() string {
	return "internal error (bug): " + b.msg
}

// Bug constructs a BugError from a format string.
func Bug(format string, args ...any) error {
	return &BugError{msg: fmt.Sprintf(format, args...)}
}

// IsBug returns true if err wraps a BugError.
func IsBug(err error) bool {
	var b *BugError
	return errors.As(err, &b)
}

// NoRelays wraps ErrNoRelays with a description of the hop that could not be
// filled.
func NoRelays(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNoRelays, fmt.Sprintf(format, args...))
}

// IsRetryable returns true for errors that describe a failure of one
// particular attempt, after which a fresh attempt may well succeed.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrCircTimeout),
		errors.Is(err, ErrGuardNotUsable),
		errors.Is(err, ErrPendingFailed),
		errors.Is(err, ErrAllFallbackDirsDown):

		return true
	}

	return false
}
