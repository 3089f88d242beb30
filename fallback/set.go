// Package fallback tracks the fixed set of bootstrap relays used to reach the
// network before a consensus is available, along with their health.
package fallback

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/linkspec"
)

// Dir is a fallback directory: a relay known from configuration rather
// than from a consensus.
type Dir struct {
	linkspec.OwnedChanTarget
}

// NewDir returns a fallback directory.
func NewDir(ids linkspec.RelayIDs, addrs []netip.AddrPort) *Dir {
	return &Dir{
		OwnedChanTarget: *linkspec.NewOwnedChanTarget(addrs, ids),
	}
}

type entry struct {
	dir    *Dir
	status Status
}

// Set is a set of fallback directories. It is safe for concurrent use.
type Set struct {
	mu      sync.Mutex
	entries []*entry
	rng     *rand.Rand

	clock clock.Clock
}

// NewSet returns a set holding dirs, all considered healthy.
func NewSet(dirs []*Dir, clk clock.Clock) *Set {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	entries := make([]*entry, 0, len(dirs))
	for _, d := range dirs {
		entries = append(entries, &entry{dir: d})
	}

	return &Set{
		entries: entries,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:   clk,
	}
}

// Len returns the number of fallbacks in the set.
func (s *Set) Len() int {
	return len(s.entries)
}

// Choose picks a fallback uniformly among those usable at now.
func (s *Set) Choose(rng *rand.Rand, now time.Time) (*Dir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil, fmt.Errorf("%w: no fallbacks available",
			circerr.ErrNoPath)
	}

	var usable []*Dir
	for _, e := range s.entries {
		if e.status.UsableAt(now) {
			usable = append(usable, e.dir)
		}
	}
	if len(usable) == 0 {
		return nil, circerr.ErrAllFallbackDirsDown
	}

	return usable[rng.Intn(len(usable))], nil
}

// find returns the entry with exactly the given identities. The caller must
// hold mu.
func (s *Set) find(ids linkspec.RelayIDs) (*entry, bool) {
	for _, e := range s.entries {
		if e.dir.IDs().SameRelay(ids) {
			return e, true
		}
	}

	return nil, false
}

// NoteFailure records a failure of the fallback with identities ids.
func (s *Set) NoteFailure(ids linkspec.RelayIDs, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.find(ids)
	if !ok {
		return
	}
	e.status.NoteFailure(now, s.rng)

	log.Debugf("Fallback %v failed %d time(s), retrying after %v",
		ids.Ed25519, e.status.failures, e.status.retryAt)
}

// NoteSuccess marks the fallback with identities ids as healthy.
func (s *Set) NoteSuccess(ids linkspec.RelayIDs) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.find(ids); ok {
		e.status.NoteSuccess()
	}
}

// StatusOf returns a copy of the status of the fallback with identities
// ids.
func (s *Set) StatusOf(ids linkspec.RelayIDs) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.find(ids)
	if !ok {
		return Status{}, false
	}

	return e.status, true
}

// WithStatusFrom returns a set holding the fallbacks of s, where every
// fallback whose full identity also appears in other takes over other's
// status. This keeps health history across configuration reloads.
func (s *Set) WithStatusFrom(other *Set) *Set {
	s.mu.Lock()
	dirs := make([]*Dir, 0, len(s.entries))
	for _, e := range s.entries {
		dirs = append(dirs, e.dir)
	}
	s.mu.Unlock()

	merged := NewSet(dirs, s.clock)

	other.mu.Lock()
	defer other.mu.Unlock()

	for _, e := range merged.entries {
		if prev, ok := other.find(e.dir.IDs()); ok {
			e.status = prev.status
		}
	}

	return merged
}

// Monitor returns a monitor that reports the outcome of using the fallback
// with identities ids back to the set. A failure backs the fallback off, a
// success marks it healthy, and other outcomes change nothing.
func (s *Set) Monitor(ids linkspec.RelayIDs) *guard.Monitor {
	return guard.NewMonitor(func(status guard.Status) {
		switch status {
		case guard.StatusSuccess:
			s.NoteSuccess(ids)

		case guard.StatusFailure:
			s.NoteFailure(ids, s.clock.Now())
		}
	})
}
