package fallback

import (
	"math/rand"
	"time"
)

const (
	// minRetryDelay is the smallest delay after a failure before a
	// fallback is tried again.
	minRetryDelay = 30 * time.Second

	// maxRetryDelay caps the retry delay however often a fallback fails.
	maxRetryDelay = time.Hour
)

// Status is the health of one fallback directory.
type Status struct {
	// failures is the number of failures since the last success.
	failures uint32

	// retryDelay is the delay used after the latest failure.
	retryDelay time.Duration

	// retryAt is when the fallback may be tried again. A zero value
	// means it is usable.
	retryAt time.Time
}

// UsableAt returns true if the fallback may be tried at now.
func (s *Status) UsableAt(now time.Time) bool {
	return s.retryAt.IsZero() || !now.Before(s.retryAt)
}

// RetryAt returns when the fallback may be tried again.
func (s *Status) RetryAt() time.Time {
	return s.retryAt
}

// Failures returns the number of failures since the last success.
func (s *Status) Failures() uint32 {
	return s.failures
}

// NoteFailure records a failure at now and backs the fallback off.
//
// The delay follows decorrelated jitter: each delay is drawn uniformly from
// [minRetryDelay, 3*previous delay), capped at maxRetryDelay.
func (s *Status) NoteFailure(now time.Time, rng *rand.Rand) {
	s.failures++
	s.retryDelay = nextDelay(s.retryDelay, rng)
	s.retryAt = now.Add(s.retryDelay)
}

// NoteSuccess marks the fallback as healthy.
func (s *Status) NoteSuccess() {
	*s = Status{}
}

func nextDelay(prev time.Duration, rng *rand.Rand) time.Duration {
	if prev < minRetryDelay {
		prev = minRetryDelay
	}

	upper := 3 * prev
	if upper > maxRetryDelay {
		upper = maxRetryDelay
	}

	delay := minRetryDelay
	if upper > minRetryDelay {
		delay += time.Duration(rng.Int63n(int64(upper - minRetryDelay)))
	}

	return delay
}
