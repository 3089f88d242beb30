package path

import (
	"fmt"
	"math/rand"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
)

type exitKind uint8

const (
	exitWantsPorts exitKind = iota
	exitAny
	exitChosen
)

// ExitPathBuilder picks three-hop paths ending at an exit.
type ExitPathBuilder struct {
	kind   exitKind
	ports  []netdir.TargetPort
	strict bool
	chosen *netdir.Relay
}

// FromTargetPorts returns a builder for paths whose exit allows every port
// in ports. Without ports any exit will do.
func FromTargetPorts(ports []netdir.TargetPort) *ExitPathBuilder {
	if len(ports) == 0 {
		return ForAnyExit()
	}

	return &ExitPathBuilder{
		kind:  exitWantsPorts,
		ports: append([]netdir.TargetPort(nil), ports...),
	}
}

// ForAnyExit returns a builder for paths ending at any relay that allows
// some exit port.
func ForAnyExit() *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitAny, strict: true}
}

// ForTimeoutTesting returns a builder for circuits that only measure build
// times. It prefers exits but settles for any relay.
func ForTimeoutTesting() *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitAny, strict: false}
}

// FromChosenExit returns a builder for paths ending at exit.
func FromChosenExit(exit *netdir.Relay) *ExitPathBuilder {
	return &ExitPathBuilder{kind: exitChosen, chosen: exit}
}

// pickExit resolves the exit, keeping clear of the guard.
func (b *ExitPathBuilder) pickExit(rng *rand.Rand, nd *netdir.NetDir,
	g *netdir.Relay, cfg netdir.SubnetConfig) (*netdir.Relay, error) {

	switch b.kind {
	case exitAny:
		exit, ok := nd.PickRelay(rng, netdir.RoleExit,
			func(r *netdir.Relay) bool {
				return r.PoliciesAllowSomePort() &&
					relaysCanShareCircuitOpt(r, g, cfg)
			},
		)
		if ok {
			return exit, nil
		}
		if b.strict {
			return nil, circerr.NoRelays("no exit relay found")
		}

		exit, ok = nd.PickRelay(rng, netdir.RoleExit,
			func(r *netdir.Relay) bool {
				return relaysCanShareCircuitOpt(r, g, cfg)
			},
		)
		if !ok {
			return nil, circerr.NoRelays("no relay found")
		}

		return exit, nil

	case exitWantsPorts:
		exit, ok := nd.PickRelay(rng, netdir.RoleExit,
			func(r *netdir.Relay) bool {
				if !relaysCanShareCircuitOpt(r, g, cfg) {
					return false
				}
				for _, p := range b.ports {
					if !p.IsSupportedBy(r) {
						return false
					}
				}

				return true
			},
		)
		if !ok {
			return nil, circerr.NoRelays(
				"no exit relay found for ports %v", b.ports,
			)
		}

		return exit, nil

	case exitChosen:
		return b.chosen, nil

	default:
		return nil, circerr.Bug("unknown exit kind %d", b.kind)
	}
}

// guardRestrictions keeps the guard away from a chosen exit and from every
// relay that is in the exit's family.
func guardRestrictions(nd *netdir.NetDir,
	exit *netdir.Relay) []guard.Restriction {

	restrictions := []guard.Restriction{{AvoidID: exit.ID()}}
	for _, r := range nd.Relays() {
		if !r.SameRelay(exit) && r.InSameFamily(exit) {
			restrictions = append(restrictions, guard.Restriction{
				AvoidID: r.ID(),
			})
		}
	}

	return restrictions
}

// PickPath picks a guard, an exit and a middle relay, in that order. With a
// guard manager the guard comes from it, and the returned monitor and usable
// must be used to report on the attempt; without one they are nil.
func (b *ExitPathBuilder) PickPath(rng *rand.Rand, dir DirInfo,
	guards guard.Manager, cfg *Config) (*TorPath, *guard.Monitor,
	*guard.Usable, error) {

	nd := dir.NetDir
	if nd == nil {
		return nil, nil, nil, circerr.ErrNeedConsensus
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	subnets := cfg.Subnets

	var chosenExit *netdir.Relay
	if b.kind == exitChosen {
		chosenExit = b.chosen
	}

	var (
		entry  *netdir.Relay
		mon    *guard.Monitor
		usable *guard.Usable
	)
	if guards != nil {
		usage := guard.Usage{Kind: guard.UsageData}
		if chosenExit != nil {
			usage.Restrictions = guardRestrictions(nd, chosenExit)
		}

		hop, m, u, err := guards.SelectGuard(usage, nd)
		if err != nil {
			return nil, nil, nil, err
		}

		r, ok := nd.ByIDs(hop.IDs())
		if !ok {
			return nil, nil, nil, circerr.Bug("guard manager "+
				"returned unlisted guard %v", hop.IDs())
		}

		// A path that was not chosen at random may fail for reasons
		// that have nothing to do with the guard.
		if chosenExit != nil {
			m.IgnoreIndeterminateStatus()
		}

		entry, mon, usable = r, m, u
	} else {
		r, ok := nd.PickRelay(rng, netdir.RoleGuard,
			func(r *netdir.Relay) bool {
				return r.IsFlaggedGuard() &&
					relaysCanShareCircuitOpt(
						r, chosenExit, subnets,
					)
			},
		)
		if !ok {
			return nil, nil, nil, circerr.NoRelays(
				"no entry relay found",
			)
		}
		entry = r
	}

	exit, err := b.pickExit(rng, nd, entry, subnets)
	if err != nil {
		return nil, nil, nil, err
	}

	middle, ok := nd.PickRelay(rng, netdir.RoleMiddle,
		func(r *netdir.Relay) bool {
			return relaysCanShareCircuit(r, exit, subnets) &&
				relaysCanShareCircuit(r, entry, subnets)
		},
	)
	if !ok {
		return nil, nil, nil, circerr.NoRelays("no middle relay found")
	}

	path := NewMultihop([]*netdir.Relay{entry, middle, exit})
	log.Tracef("Picked exit path %v", path)

	return path, mon, usable, nil
}

// String returns a description of the builder.
func (b *ExitPathBuilder) String() string {
	switch b.kind {
	case exitWantsPorts:
		return fmt.Sprintf("exit for ports %v", b.ports)
	case exitChosen:
		return fmt.Sprintf("chosen exit %v", b.chosen)
	case exitAny:
		if !b.strict {
			return "any relay"
		}
	}

	return "any exit"
}
