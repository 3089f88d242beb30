package circmgr

import (
	"sync"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/guard"
)

type firstHopState uint8

const (
	hopStatusUnset firstHopState = iota
	hopStatusPendingFailure
	hopStatusPendingIndeterminate
	hopStatusFinal
)

// firstHopStatus tracks what the guard manager will be told about the first
// hop of one build. The pending status moves from Failure to Indeterminate
// once the first hop exists, and then exactly one final status is sent.
type firstHopStatus struct {
	mu    sync.Mutex
	state firstHopState
	mon   *guard.Monitor
}

// newFirstHopStatus wraps mon, which is nil if the first hop did not come
// from the guard manager or a fallback set.
func newFirstHopStatus(mon *guard.Monitor) *firstHopStatus {
	return &firstHopStatus{mon: mon}
}

// pending moves to the next pending status. Only Failure followed by
// Indeterminate is allowed.
func (f *firstHopStatus) pending(s guard.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.state == hopStatusUnset && s == guard.StatusFailure:
		f.state = hopStatusPendingFailure

	case f.state == hopStatusPendingFailure &&
		s == guard.StatusIndeterminate:

		f.state = hopStatusPendingIndeterminate

	default:
		return circerr.Bug("first hop status %v set in state %d", s,
			f.state)
	}

	if f.mon != nil {
		f.mon.PendingStatus(s)
	}

	return nil
}

// report sends s as the final status.
func (f *firstHopStatus) report(s guard.Status) {
	f.mu.Lock()
	if f.state == hopStatusFinal {
		f.mu.Unlock()
		return
	}
	f.state = hopStatusFinal
	f.mu.Unlock()

	if f.mon != nil {
		f.mon.Report(s)
	}
}

// commit sends the pending status as the final one.
func (f *firstHopStatus) commit() {
	f.mu.Lock()
	if f.state == hopStatusFinal {
		f.mu.Unlock()
		return
	}
	f.state = hopStatusFinal
	f.mu.Unlock()

	if f.mon != nil {
		f.mon.Commit()
	}
}
