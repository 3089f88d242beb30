// Package path picks the relays of new circuits: multi-hop exit paths that
// honour family, subnet and exit port constraints, and one-hop directory
// paths, either through a relay of the network view or through a fallback
// directory when no view is available yet.
package path

import (
	"fmt"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
)

// Kind is the shape of a path.
type Kind uint8

const (
	// KindOneHop is a one-hop path to a directory cache.
	KindOneHop Kind = iota

	// KindFallbackOneHop is a one-hop path to a fallback directory. Its
	// target is only known by identity and address, so the first hop is
	// created without an onion key.
	KindFallbackOneHop

	// KindMultihop is a path through several relays of the network view.
	KindMultihop
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOneHop:
		return "one-hop"
	case KindFallbackOneHop:
		return "fallback-one-hop"
	case KindMultihop:
		return "multihop"
	default:
		return "unknown"
	}
}

// Config holds the path selection parameters.
type Config struct {
	// Subnets decides when two relays are too close to share a circuit.
	Subnets netdir.SubnetConfig
}

// DefaultConfig returns the default path selection parameters.
func DefaultConfig() *Config {
	return &Config{
		Subnets: netdir.DefaultSubnetConfig(),
	}
}

// DirInfo is what we know about the network when picking a path: either a
// full network view, or only the fallback directories.
type DirInfo struct {
	Fallbacks *fallback.Set
	NetDir    *netdir.NetDir
}

// FromNetDir returns DirInfo for a network view.
func FromNetDir(nd *netdir.NetDir) DirInfo {
	return DirInfo{NetDir: nd}
}

// FromFallbacks returns DirInfo for when only fallbacks are known.
func FromFallbacks(set *fallback.Set) DirInfo {
	return DirInfo{Fallbacks: set}
}

// TorPath is an immutable list of hops chosen for a new circuit.
type TorPath struct {
	kind     Kind
	oneHop   linkspec.CircTarget
	fallback *fallback.Dir
	relays   []*netdir.Relay
}

// NewOneHop returns a one-hop path through target.
func NewOneHop(target linkspec.CircTarget) *TorPath {
	return &TorPath{kind: KindOneHop, oneHop: target}
}

// NewFallbackOneHop returns a one-hop path through a fallback directory.
func NewFallbackOneHop(dir *fallback.Dir) *TorPath {
	return &TorPath{kind: KindFallbackOneHop, fallback: dir}
}

// NewMultihop returns a path through relays, in order.
func NewMultihop(relays []*netdir.Relay) *TorPath {
	return &TorPath{
		kind:   KindMultihop,
		relays: append([]*netdir.Relay(nil), relays...),
	}
}

// Kind returns the shape of the path.
func (p *TorPath) Kind() Kind {
	return p.kind
}

// Len returns the number of hops.
func (p *TorPath) Len() int {
	if p.kind == KindMultihop {
		return len(p.relays)
	}

	return 1
}

// Relays returns the relays of a multihop path.
func (p *TorPath) Relays() []*netdir.Relay {
	return p.relays
}

// ExitRelay returns the last relay of a multihop path.
func (p *TorPath) ExitRelay() (*netdir.Relay, bool) {
	if p.kind != KindMultihop || len(p.relays) == 0 {
		return nil, false
	}

	return p.relays[len(p.relays)-1], true
}

// ExitPolicy returns the exit policy of the last relay of a multihop path.
func (p *TorPath) ExitPolicy() (netdir.ExitPolicy, bool) {
	exit, ok := p.ExitRelay()
	if !ok {
		return netdir.ExitPolicy{}, false
	}

	return netdir.ExitPolicyFromRelay(exit), true
}

// String returns the hops of the path.
func (p *TorPath) String() string {
	switch p.kind {
	case KindOneHop:
		return fmt.Sprintf("[%v]", p.oneHop.IDs().Ed25519)
	case KindFallbackOneHop:
		return fmt.Sprintf("[fallback %v]", p.fallback.IDs().Ed25519)
	default:
		return fmt.Sprintf("%v", p.relays)
	}
}

// OwnedPath is a path detached from the network view it was chosen from,
// ready to be built.
type OwnedPath struct {
	// ChanTarget is set for paths whose only hop is reached without an
	// onion key.
	ChanTarget *linkspec.OwnedChanTarget

	// Hops are the hops of every other path, in order.
	Hops []*linkspec.OwnedCircTarget
}

// Len returns the number of hops.
func (o *OwnedPath) Len() int {
	if o.ChanTarget != nil {
		return 1
	}

	return len(o.Hops)
}

// FirstHopIDs returns the identities of the first hop.
func (o *OwnedPath) FirstHopIDs() linkspec.RelayIDs {
	if o.ChanTarget != nil {
		return o.ChanTarget.IDs()
	}

	return o.Hops[0].IDs()
}

// Owned copies the path out of the network view.
func (p *TorPath) Owned() (*OwnedPath, error) {
	switch p.kind {
	case KindOneHop:
		return &OwnedPath{
			Hops: []*linkspec.OwnedCircTarget{
				linkspec.OwnedCircTargetFrom(p.oneHop),
			},
		}, nil

	case KindFallbackOneHop:
		return &OwnedPath{
			ChanTarget: linkspec.OwnedChanTargetFrom(p.fallback),
		}, nil

	case KindMultihop:
		if len(p.relays) == 0 {
			return nil, circerr.Bug("tried to build an empty path")
		}

		hops := make([]*linkspec.OwnedCircTarget, 0, len(p.relays))
		for _, r := range p.relays {
			hops = append(hops, linkspec.OwnedCircTargetFrom(r))
		}

		return &OwnedPath{Hops: hops}, nil

	default:
		return nil, circerr.Bug("unknown path kind %d", p.kind)
	}
}

// relaysCanShareCircuit returns true unless a and b are in the same family
// or subnet.
func relaysCanShareCircuit(a, b *netdir.Relay, cfg netdir.SubnetConfig) bool {
	return !a.InSameFamily(b) && !a.InSameSubnet(b, cfg)
}

// relaysCanShareCircuitOpt is relaysCanShareCircuit for an optional b.
func relaysCanShareCircuitOpt(a, b *netdir.Relay,
	cfg netdir.SubnetConfig) bool {

	return b == nil || relaysCanShareCircuit(a, b, cfg)
}
