package circmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/circerr"
)

// circEntry is an open circuit with what it can still be used for.
type circEntry struct {
	circ  *Circuit
	usage *SupportedCircUsage

	// handedOut is set once the circuit was given to a caller. Circuits
	// never handed out are terminated when they are dropped.
	handedOut bool

	// dirtySince is when the circuit was first given to a caller.
	dirtySince fn.Option[time.Time]
}

// isExpired returns true if the entry was first used more than maxDirtiness
// before now.
func (e *circEntry) isExpired(now time.Time, maxDirtiness time.Duration) bool {
	expired := false
	e.dirtySince.WhenSome(func(since time.Time) {
		expired = now.Sub(since) >= maxDirtiness
	})

	return expired
}

// markUsed records that the circuit was handed out for target.
func (e *circEntry) markUsed(target *TargetCircUsage, now time.Time) {
	if target.kind != targetDir && target.kind != targetExit {
		return
	}

	e.handedOut = true
	if e.dirtySince.IsNone() {
		e.dirtySince = fn.Some(now)
	}
}

// circCache holds the open circuits. Its lock is never held while calling
// out to a circuit.
type circCache struct {
	mu           sync.Mutex
	entries      map[CircID]*circEntry
	maxDirtiness time.Duration
}

func newCircCache(maxDirtiness time.Duration) *circCache {
	return &circCache{
		entries:      make(map[CircID]*circEntry),
		maxDirtiness: maxDirtiness,
	}
}

// sortedEntries returns the usable entries, oldest first.
//
// NOTE: The mutex MUST be held when calling this method.
func (c *circCache) sortedEntries(now time.Time) []*circEntry {
	entries := make([]*circEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.circ.IsClosing() || e.isExpired(now, c.maxDirtiness) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].circ.id < entries[j].circ.id
	})

	return entries
}

// takeSupported returns the oldest open circuit that supports target,
// narrowing its usage to target.
func (c *circCache) takeSupported(target *TargetCircUsage,
	now time.Time) (*Circuit, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.sortedEntries(now) {
		if !e.usage.Supports(target) {
			continue
		}

		if err := e.usage.RestrictMut(target); err != nil {
			log.Errorf("Supported circuit %v could not be "+
				"restricted: %v", e.circ,
				circerr.Bug("%v", err))
			continue
		}
		e.markUsed(target, now)

		return e.circ, true
	}

	return nil, false
}

// countSupporting returns how many open circuits support target.
func (c *circCache) countSupporting(target *TargetCircUsage,
	now time.Time) int {

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, e := range c.sortedEntries(now) {
		if e.usage.Supports(target) {
			n++
		}
	}

	return n
}

// insert adds a newly built circuit.
func (c *circCache) insert(circ *Circuit, usage *SupportedCircUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[circ.id] = &circEntry{circ: circ, usage: usage}
}

// restrict narrows the usage of the circuit with the given ID to target,
// for a caller that waited for its launch.
func (c *circCache) restrict(id CircID, target *TargetCircUsage,
	now time.Time) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%w: circuit %d was retired",
			circerr.ErrPendingFailed, id)
	}

	if err := e.usage.RestrictMut(target); err != nil {
		return fmt.Errorf("%w: %w", circerr.ErrPendingFailed, err)
	}
	e.markUsed(target, now)

	return nil
}

// remove drops the circuit with the given ID. It returns the circuit if it
// was never handed out, so that the caller can terminate it.
func (c *circCache) remove(id CircID) (*Circuit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)

	return e.circ, !e.handedOut
}

// removeAll drops every circuit, returning those never handed out.
func (c *circCache) removeAll() []*Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()

	var unused []*Circuit
	for id, e := range c.entries {
		if !e.handedOut {
			unused = append(unused, e.circ)
		}
		delete(c.entries, id)
	}

	return unused
}

// expire drops closing circuits and circuits that have been dirty for too
// long. It returns the number dropped.
func (c *circCache) expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for id, e := range c.entries {
		if e.circ.IsClosing() || e.isExpired(now, c.maxDirtiness) {
			delete(c.entries, id)
			n++
		}
	}

	return n
}

// len returns the number of circuits held, usable or not.
func (c *circCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
