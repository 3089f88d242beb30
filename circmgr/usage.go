package circmgr

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
)

type targetKind uint8

const (
	targetDir targetKind = iota
	targetExit
	targetTimeoutTesting
	targetPreemptive
)

// TargetCircUsage is what a caller wants a circuit for.
type TargetCircUsage struct {
	kind targetKind

	// ports and isolation are set for exit usage.
	ports     []netdir.TargetPort
	isolation StreamIsolation

	// port and circs are set for preemptive usage: build circuits that
	// allow port, or any port if unset, until circs of them are open.
	port  fn.Option[netdir.TargetPort]
	circs int
}

// DirUsage is a one-hop circuit for directory requests.
func DirUsage() *TargetCircUsage {
	return &TargetCircUsage{kind: targetDir}
}

// ExitUsage is a circuit whose exit allows every port in ports, usable by
// streams with the given isolation.
func ExitUsage(ports []netdir.TargetPort,
	isolation StreamIsolation) *TargetCircUsage {

	ports = slices.Clone(ports)
	slices.SortFunc(ports, comparePorts)
	ports = slices.Compact(ports)

	return &TargetCircUsage{
		kind:      targetExit,
		ports:     ports,
		isolation: isolation,
	}
}

// TimeoutTestingUsage is a circuit built only to measure how long building
// takes.
func TimeoutTestingUsage() *TargetCircUsage {
	return &TargetCircUsage{kind: targetTimeoutTesting}
}

// PreemptiveUsage is a circuit built before anybody asked for it, for a
// port that is likely to be asked for.
func PreemptiveUsage(port fn.Option[netdir.TargetPort],
	circs int) *TargetCircUsage {

	return &TargetCircUsage{
		kind:  targetPreemptive,
		port:  port,
		circs: circs,
	}
}

func comparePorts(a, b netdir.TargetPort) int {
	switch {
	case a.IPv6 != b.IPv6:
		if b.IPv6 {
			return -1
		}
		return 1

	case a.Port < b.Port:
		return -1

	case a.Port > b.Port:
		return 1
	}

	return 0
}

// key identifies the usage for deduplicating launches. Equal usages have
// equal keys.
func (u *TargetCircUsage) key() string {
	switch u.kind {
	case targetDir:
		return "dir"

	case targetExit:
		ports := make([]string, 0, len(u.ports))
		for _, p := range u.ports {
			ports = append(ports, p.String())
		}

		return fmt.Sprintf("exit:%s:%d:%d", strings.Join(ports, ","),
			uint64(u.isolation.Stream), uint64(u.isolation.Owner))

	case targetTimeoutTesting:
		return "timeout-testing"

	default:
		port := "any"
		u.port.WhenSome(func(p netdir.TargetPort) {
			port = p.String()
		})

		return "preemptive:" + port
	}
}

// String returns a description of the usage.
func (u *TargetCircUsage) String() string {
	switch u.kind {
	case targetDir:
		return "Dir"
	case targetExit:
		return fmt.Sprintf("Exit(ports=%v, %v)", u.ports, u.isolation)
	case targetTimeoutTesting:
		return "TimeoutTesting"
	default:
		return fmt.Sprintf("Preemptive(%s, circs=%d)",
			strings.TrimPrefix(u.key(), "preemptive:"), u.circs)
	}
}

// plannedPath is a path picked for a usage, together with what the circuit
// built along it will support.
type plannedPath struct {
	path      *path.TorPath
	monitor   *guard.Monitor
	usable    *guard.Usable
	supported *SupportedCircUsage
}

// buildPath picks a path for the usage.
func (u *TargetCircUsage) buildPath(rng *rand.Rand, dir path.DirInfo,
	guards guard.Manager, cfg *path.Config,
	now time.Time) (*plannedPath, error) {

	if u.kind == targetDir {
		p, mon, usable, err := path.NewDirPathBuilder().PickPath(
			rng, dir, guards, now,
		)
		if err != nil {
			return nil, err
		}

		return &plannedPath{
			path:      p,
			monitor:   mon,
			usable:    usable,
			supported: &SupportedCircUsage{kind: supportedDir},
		}, nil
	}

	var (
		builder   *path.ExitPathBuilder
		isolation fn.Option[StreamIsolation]
	)
	switch u.kind {
	case targetExit:
		builder = path.FromTargetPorts(u.ports)
		isolation = fn.Some(u.isolation)

	case targetTimeoutTesting:
		builder = path.ForTimeoutTesting()

	case targetPreemptive:
		builder = path.ForAnyExit()
		u.port.WhenSome(func(p netdir.TargetPort) {
			builder = path.FromTargetPorts([]netdir.TargetPort{p})
		})
	}

	p, mon, usable, err := builder.PickPath(rng, dir, guards, cfg)
	if err != nil {
		return nil, err
	}

	policy, ok := p.ExitPolicy()
	if !ok {
		return nil, circerr.Bug("exit path %v without exit policy", p)
	}

	// A timeout testing path may end at a relay that exits nowhere. Such
	// a circuit is only good for measuring build times.
	if u.kind == targetTimeoutTesting && !policy.AllowsSomePort() {
		return &plannedPath{
			path:      p,
			monitor:   mon,
			usable:    usable,
			supported: NoUsage(),
		}, nil
	}

	return &plannedPath{
		path:    p,
		monitor: mon,
		usable:  usable,
		supported: &SupportedCircUsage{
			kind:      supportedExit,
			policy:    policy,
			isolation: isolation,
		},
	}, nil
}

type supportedKind uint8

const (
	supportedDir supportedKind = iota
	supportedExit
	supportedNoUsage
)

// SupportedCircUsage is what an open circuit can be used for. The isolation
// of an exit circuit starts out unset and is fixed by its first isolated
// user; after that, only streams with the same isolation may use it.
type SupportedCircUsage struct {
	kind      supportedKind
	policy    netdir.ExitPolicy
	isolation fn.Option[StreamIsolation]
}

// NoUsage is the usage of a circuit that is good for nothing but timeout
// testing.
func NoUsage() *SupportedCircUsage {
	return &SupportedCircUsage{kind: supportedNoUsage}
}

// Supports returns true if a circuit with this usage can serve target.
func (s *SupportedCircUsage) Supports(target *TargetCircUsage) bool {
	switch {
	case s.kind == supportedDir:
		return target.kind == targetDir

	case target.kind == targetTimeoutTesting:
		return s.kind == supportedExit || s.kind == supportedNoUsage

	case s.kind != supportedExit:
		return false

	case target.kind == targetExit:
		for _, p := range target.ports {
			if !s.policy.AllowsPort(p) {
				return false
			}
		}

		compatible := true
		s.isolation.WhenSome(func(iso StreamIsolation) {
			compatible = iso.MayShareCircuit(target.isolation)
		})

		return compatible

	case target.kind == targetPreemptive:
		if s.isolation.IsSome() {
			return false
		}

		allowed := s.policy.AllowsSomePort()
		target.port.WhenSome(func(p netdir.TargetPort) {
			allowed = s.policy.AllowsPort(p)
		})

		return allowed
	}

	return false
}

// RestrictMut narrows the usage to what target needs: an exit circuit taken
// by an isolated exit request can from then on only serve that isolation.
// It is idempotent, and leaves the usage untouched when it fails with
// ErrUsageNotSupported.
func (s *SupportedCircUsage) RestrictMut(target *TargetCircUsage) error {
	if !s.Supports(target) {
		return fmt.Errorf("%w: %v for %v", circerr.ErrUsageNotSupported,
			s, target)
	}

	if s.kind == supportedExit && target.kind == targetExit {
		s.isolation = fn.Some(target.isolation)
	}

	return nil
}

// String returns a description of the usage.
func (s *SupportedCircUsage) String() string {
	switch s.kind {
	case supportedDir:
		return "Dir"
	case supportedNoUsage:
		return "NoUsage"
	}

	iso := "unset"
	s.isolation.WhenSome(func(i StreamIsolation) {
		iso = i.String()
	})

	return fmt.Sprintf("Exit(v4=%v, v6=%v, isolation=%s)", s.policy.V4,
		s.policy.V6, iso)
}
