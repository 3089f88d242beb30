// Package guard defines how the circuit client talks to a guard manager: the
// component that picks the first hop of every data circuit and learns from
// the outcome of each attempt. The selection algorithm itself lives behind
// the Manager interface.
package guard

import (
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
)

// UsageKind is what a guard is wanted for.
type UsageKind uint8

const (
	// UsageData selects a guard for a multi-hop circuit.
	UsageData UsageKind = iota

	// UsageOneHopDirectory selects a guard for a one-hop directory
	// circuit.
	UsageOneHopDirectory
)

// String returns the name of the usage kind.
func (k UsageKind) String() string {
	switch k {
	case UsageData:
		return "Data"
	case UsageOneHopDirectory:
		return "OneHopDirectory"
	default:
		return "Unknown"
	}
}

// Restriction excludes relays from guard selection.
type Restriction struct {
	// AvoidID excludes the relay with this primary identity.
	AvoidID linkspec.Ed25519Identity
}

// Usage describes a request for a guard.
type Usage struct {
	Kind         UsageKind
	Restrictions []Restriction
}

// Avoids returns true if the usage excludes the relay with identity id.
func (u Usage) Avoids(id linkspec.Ed25519Identity) bool {
	for _, r := range u.Restrictions {
		if r.AvoidID == id {
			return true
		}
	}

	return false
}

// FirstHop is a guard picked by the guard manager.
type FirstHop struct {
	linkspec.OwnedCircTarget
}

// FirstHopFromRelay returns the FirstHop for a relay of the network view.
func FirstHopFromRelay(r *netdir.Relay) *FirstHop {
	return &FirstHop{
		OwnedCircTarget: *linkspec.OwnedCircTargetFrom(r),
	}
}

// Manager picks guards and learns from the outcome of using them.
type Manager interface {
	// SelectGuard picks a guard for usage. The monitor must be given the
	// outcome of the attempt; the Usable resolves once the circuit may
	// be used.
	SelectGuard(usage Usage, nd *netdir.NetDir) (*FirstHop, *Monitor,
		*Usable, error)

	// UpdateNetParameters applies new consensus parameters.
	UpdateNetParameters(params *netdir.NetParameters)

	// StorePersistentState writes the guard sample to storage.
	StorePersistentState() error

	// ReloadPersistentState rereads the guard sample from storage. It is
	// used by read-only clients that share another client's state.
	ReloadPersistentState() error
}
