// Package netdir holds a read-only snapshot of the relay network: the
// relays, their flags, policies, families and bandwidth weights, plus the
// consensus parameters in effect. Path selection only ever looks at a
// NetDir, never at live directory state.
package netdir

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/lightningnetwork/torcirc/linkspec"
)

// ErrDuplicateRelay is returned when a network view lists one identity
// twice.
var ErrDuplicateRelay = errors.New("duplicate relay identity")

// Lifetime is the validity interval of the consensus behind a NetDir.
type Lifetime struct {
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time
}

// IsValidAt returns true if t lies inside the consensus validity interval.
// A zero lifetime is always valid.
func (l Lifetime) IsValidAt(t time.Time) bool {
	if l.ValidUntil.IsZero() {
		return true
	}

	return !t.Before(l.ValidAfter) && t.Before(l.ValidUntil)
}

// NetDir is an immutable view of the relay network.
type NetDir struct {
	relays   []*Relay
	byEd     map[linkspec.Ed25519Identity]*Relay
	byRSA    map[linkspec.RSAIdentity]*Relay
	params   *NetParameters
	weights  *WeightSet
	lifetime Lifetime
}

// New builds a NetDir. If params is nil the defaults are used.
func New(relays []*Relay, params *NetParameters,
	weights BandwidthWeights, lifetime Lifetime) (*NetDir, error) {

	if params == nil {
		params = DefaultNetParameters()
	}

	n := len(relays)
	nd := &NetDir{
		relays:   make([]*Relay, 0, n),
		byEd:     make(map[linkspec.Ed25519Identity]*Relay, n),
		byRSA:    make(map[linkspec.RSAIdentity]*Relay, n),
		params:   params,
		weights:  NewWeightSet(weights, params.BwWeightScale),
		lifetime: lifetime,
	}
	for _, r := range relays {
		if _, ok := nd.byEd[r.ID()]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateRelay,
				r.ID())
		}
		if _, ok := nd.byRSA[r.RSAID()]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateRelay,
				r.RSAID())
		}

		nd.relays = append(nd.relays, r)
		nd.byEd[r.ID()] = r
		nd.byRSA[r.RSAID()] = r
	}

	return nd, nil
}

// Relays returns every relay in the view.
func (nd *NetDir) Relays() []*Relay {
	return nd.relays
}

// Params returns the consensus parameters of the view.
func (nd *NetDir) Params() *NetParameters {
	return nd.params
}

// Lifetime returns the validity interval of the view.
func (nd *NetDir) Lifetime() Lifetime {
	return nd.lifetime
}

// ByID returns the relay with the given primary identity.
func (nd *NetDir) ByID(id linkspec.Ed25519Identity) (*Relay, bool) {
	r, ok := nd.byEd[id]
	return r, ok
}

// ByRSAID returns the relay with the given legacy identity.
func (nd *NetDir) ByRSAID(id linkspec.RSAIdentity) (*Relay, bool) {
	r, ok := nd.byRSA[id]
	return r, ok
}

// ByIDs returns the relay only if both of its identities match ids.
func (nd *NetDir) ByIDs(ids linkspec.RelayIDs) (*Relay, bool) {
	r, ok := nd.byEd[ids.Ed25519]
	if !ok || r.RSAID() != ids.RSA {
		return nil, false
	}

	return r, true
}

// RelayWeight returns the weight of r in role.
func (nd *NetDir) RelayWeight(r *Relay, role WeightRole) uint64 {
	return nd.weights.WeightForRole(r, role)
}

// TotalWeight returns the summed weight in role of the relays for which
// usable returns true.
func (nd *NetDir) TotalWeight(role WeightRole,
	usable func(*Relay) bool) uint64 {

	var total uint64
	for _, r := range nd.relays {
		if usable(r) {
			total += nd.weights.WeightForRole(r, role)
		}
	}

	return total
}

// PickRelay picks one relay for which usable returns true, with probability
// proportional to its weight in role. Relays of zero weight are never
// picked. The second return value is false if there is nothing to pick.
func (nd *NetDir) PickRelay(rng *rand.Rand, role WeightRole,
	usable func(*Relay) bool) (*Relay, bool) {

	candidates, weights, total := nd.candidates(role, usable)
	if total == 0 {
		return nil, false
	}

	return candidates[pickIndex(rng, weights, total)], true
}

// PickNRelays picks up to n distinct relays, each weighted as in PickRelay.
// Fewer are returned if fewer are usable.
func (nd *NetDir) PickNRelays(rng *rand.Rand, n int, role WeightRole,
	usable func(*Relay) bool) []*Relay {

	candidates, weights, total := nd.candidates(role, usable)

	var picked []*Relay
	for len(picked) < n && total > 0 {
		i := pickIndex(rng, weights, total)
		picked = append(picked, candidates[i])

		total -= weights[i]
		weights[i] = 0
	}

	return picked
}

func (nd *NetDir) candidates(role WeightRole,
	usable func(*Relay) bool) ([]*Relay, []uint64, uint64) {

	var (
		relays  []*Relay
		weights []uint64
		total   uint64
	)
	for _, r := range nd.relays {
		if !usable(r) {
			continue
		}

		w := nd.weights.WeightForRole(r, role)
		if w == 0 {
			continue
		}

		relays = append(relays, r)
		weights = append(weights, w)
		total += w
	}

	return relays, weights, total
}

// pickIndex returns an index into weights chosen in proportion to the
// weights. total must be their positive sum.
func pickIndex(rng *rand.Rand, weights []uint64, total uint64) int {
	var target uint64
	if total <= math.MaxInt64 {
		target = uint64(rng.Int63n(int64(total)))
	} else {
		target = rng.Uint64() % total
	}

	for i, w := range weights {
		if target < w {
			return i
		}
		target -= w
	}

	// Unreachable while total is the sum of weights.
	return len(weights) - 1
}

// fracForRole returns the weighted fraction of relays matching want that
// are also usable for path building, or 0 if none match.
func (nd *NetDir) fracForRole(role WeightRole, want func(*Relay) bool,
	usable func(*Relay) bool) float64 {

	total := nd.TotalWeight(role, want)
	if total == 0 {
		return 0
	}
	have := nd.TotalWeight(role, func(r *Relay) bool {
		return want(r) && usable(r)
	})

	return float64(have) / float64(total)
}

// FracUsablePaths estimates the fraction of guard/middle/exit paths that can
// be built using only relays for which usable returns true.
func (nd *NetDir) FracUsablePaths(usable func(*Relay) bool) float64 {
	all := func(*Relay) bool { return true }

	fg := nd.fracForRole(RoleGuard, (*Relay).IsFlaggedGuard, usable)
	fm := nd.fracForRole(RoleMiddle, all, usable)
	fe := fm
	if nd.TotalWeight(RoleExit, (*Relay).IsFlaggedExit) > 0 {
		fe = nd.fracForRole(RoleExit, (*Relay).IsFlaggedExit, usable)
	}

	return fg * fm * fe
}

// HaveEnoughPaths returns true if the fraction of buildable paths reaches
// the consensus threshold.
func (nd *NetDir) HaveEnoughPaths(usable func(*Relay) bool) bool {
	return nd.FracUsablePaths(usable) >= nd.params.MinPathFraction()
}
