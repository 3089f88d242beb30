package guard

import (
	"context"
	"sync"
)

// Status is the outcome of an attempt to use a guard, as reported back to
// the guard manager.
type Status uint8

const (
	// StatusSuccess means the guard worked.
	StatusSuccess Status = iota

	// StatusFailure means the guard is to blame for a failed attempt.
	StatusFailure

	// StatusIndeterminate means the attempt failed after the guard did
	// its part, so the guard cannot be blamed.
	StatusIndeterminate

	// StatusAttemptAbandoned means the attempt was given up for a
	// reason that says nothing about the guard.
	StatusAttemptAbandoned
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusIndeterminate:
		return "Indeterminate"
	case StatusAttemptAbandoned:
		return "AttemptAbandoned"
	default:
		return "Unknown"
	}
}

// Monitor collects the outcome of one attempt to use a guard and delivers
// it to the guard manager exactly once.
//
// Callers set a pending status as the attempt progresses and either commit
// it or report a final status. Whatever happens first wins; everything after
// it is ignored.
type Monitor struct {
	mu sync.Mutex

	report              func(Status)
	pending             Status
	ignoreIndeterminate bool
	done                bool
}

// NewMonitor returns a monitor that delivers its final status to report.
// Its pending status starts out as StatusAttemptAbandoned.
func NewMonitor(report func(Status)) *Monitor {
	return &Monitor{
		report:  report,
		pending: StatusAttemptAbandoned,
	}
}

// PendingStatus sets the status that Commit will deliver.
func (m *Monitor) PendingStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = s
}

// IgnoreIndeterminateStatus turns indeterminate outcomes into abandoned
// attempts. It is used for paths that were not chosen at random, whose
// failures should not count against the guard.
func (m *Monitor) IgnoreIndeterminateStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ignoreIndeterminate = true
}

// Commit delivers the pending status.
func (m *Monitor) Commit() {
	m.mu.Lock()
	s := m.pending
	m.mu.Unlock()

	m.Report(s)
}

// Report delivers s as the final status, unless a status was already
// delivered.
func (m *Monitor) Report(s Status) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true

	if s == StatusIndeterminate && m.ignoreIndeterminate {
		s = StatusAttemptAbandoned
	}
	m.mu.Unlock()

	log.Tracef("Guard attempt finished with status %v", s)

	if m.report != nil {
		m.report(s)
	}
}

// Usable resolves once the guard manager has decided whether a circuit built
// through a guard may be used. A primary guard is usable at once; a
// non-primary one only once every better guard has been ruled out.
type Usable struct {
	once   sync.Once
	done   chan struct{}
	usable bool
}

// NewUsable returns an unresolved Usable.
func NewUsable() *Usable {
	return &Usable{
		done: make(chan struct{}),
	}
}

// UsableNow returns a Usable that has already resolved to usable.
func UsableNow() *Usable {
	u := NewUsable()
	u.Resolve(true)

	return u
}

// Resolve records the decision. Only the first call has any effect.
func (u *Usable) Resolve(usable bool) {
	u.once.Do(func() {
		u.usable = usable
		close(u.done)
	})
}

// Wait blocks until the decision is made or ctx is done.
func (u *Usable) Wait(ctx context.Context) (bool, error) {
	select {
	case <-u.done:
		return u.usable, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}
