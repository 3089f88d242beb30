package netdir

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrBadPolicy is returned when a port policy summary cannot be parsed.
var ErrBadPolicy = errors.New("malformed port policy")

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Lo uint16
	Hi uint16
}

// Contains returns true if port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return r.Lo <= port && port <= r.Hi
}

// String returns the range in policy summary form.
func (r PortRange) String() string {
	if r.Lo == r.Hi {
		return strconv.Itoa(int(r.Lo))
	}

	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// PortPolicy is a relay's summarised exit policy for one address family:
// the set of ports to which it allows exit connections. Port 0 is never
// allowed.
type PortPolicy struct {
	// allowed is sorted and holds no overlapping or adjacent ranges.
	allowed []PortRange
}

// NewRejectAllPolicy returns a policy that allows no ports.
func NewRejectAllPolicy() *PortPolicy {
	return &PortPolicy{}
}

// NewAcceptAllPolicy returns a policy that allows every port.
func NewAcceptAllPolicy() *PortPolicy {
	return &PortPolicy{allowed: []PortRange{{Lo: 1, Hi: 65535}}}
}

// ParsePortPolicy parses a policy summary of the form "accept 80,443" or
// "reject 1-1024,6667".
func ParsePortPolicy(s string) (*PortPolicy, error) {
	kind, list, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadPolicy, s)
	}

	var ranges []PortRange
	for _, item := range strings.Split(list, ",") {
		r, err := parseRange(item)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	switch kind {
	case "accept":
		return &PortPolicy{allowed: normalize(ranges)}, nil

	case "reject":
		return &PortPolicy{allowed: invert(normalize(ranges))}, nil

	default:
		return nil, fmt.Errorf("%w: unknown keyword %q", ErrBadPolicy,
			kind)
	}
}

func parseRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	if !isRange {
		hi = lo
	}

	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: %v", ErrBadPolicy, err)
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: %v", ErrBadPolicy, err)
	}
	if l == 0 || l > h {
		return PortRange{}, fmt.Errorf("%w: bad range %q", ErrBadPolicy,
			s)
	}

	return PortRange{Lo: uint16(l), Hi: uint16(h)}, nil
}

// normalize sorts ranges and merges those that overlap or touch.
func normalize(ranges []PortRange) []PortRange {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Lo < ranges[j].Lo
	})

	var out []PortRange
	for _, r := range ranges {
		n := len(out)
		if n > 0 && uint32(r.Lo) <= uint32(out[n-1].Hi)+1 {
			if r.Hi > out[n-1].Hi {
				out[n-1].Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}

	return out
}

// invert returns the complement of a normalised range list within 1-65535.
func invert(ranges []PortRange) []PortRange {
	var (
		out  []PortRange
		next uint32 = 1
	)
	for _, r := range ranges {
		if uint32(r.Lo) > next {
			out = append(out, PortRange{
				Lo: uint16(next), Hi: r.Lo - 1,
			})
		}
		next = uint32(r.Hi) + 1
	}
	if next <= 65535 {
		out = append(out, PortRange{Lo: uint16(next), Hi: 65535})
	}

	return out
}

// AllowsPort returns true if the policy allows exit connections to port.
func (p *PortPolicy) AllowsPort(port uint16) bool {
	if p == nil {
		return false
	}

	i := sort.Search(len(p.allowed), func(i int) bool {
		return p.allowed[i].Hi >= port
	})

	return i < len(p.allowed) && p.allowed[i].Contains(port)
}

// AllowsSomePort returns true if the policy allows at least one port.
func (p *PortPolicy) AllowsSomePort() bool {
	return p != nil && len(p.allowed) > 0
}

// String returns the policy in "accept" summary form.
func (p *PortPolicy) String() string {
	if !p.AllowsSomePort() {
		return "reject 1-65535"
	}

	parts := make([]string, 0, len(p.allowed))
	for _, r := range p.allowed {
		parts = append(parts, r.String())
	}

	return "accept " + strings.Join(parts, ",")
}

// TargetPort is a port that a circuit's exit must allow, for either IPv4 or
// IPv6 destinations.
type TargetPort struct {
	IPv6 bool
	Port uint16
}

// IPv4Port returns a TargetPort for an IPv4 destination.
func IPv4Port(port uint16) TargetPort {
	return TargetPort{Port: port}
}

// IPv6Port returns a TargetPort for an IPv6 destination.
func IPv6Port(port uint16) TargetPort {
	return TargetPort{IPv6: true, Port: port}
}

// String returns the port, marked with "v6" for IPv6 destinations.
func (t TargetPort) String() string {
	if t.IPv6 {
		return fmt.Sprintf("%dv6", t.Port)
	}

	return strconv.Itoa(int(t.Port))
}

// IsSupportedBy returns true if relay would allow an exit connection to
// this port.
func (t TargetPort) IsSupportedBy(relay *Relay) bool {
	if t.IPv6 {
		return relay.SupportsExitPortIPv6(t.Port)
	}

	return relay.SupportsExitPortIPv4(t.Port)
}

// ExitPolicy is the pair of port policies of a circuit's exit relay.
type ExitPolicy struct {
	V4 *PortPolicy
	V6 *PortPolicy
}

// ExitPolicyFromRelay returns the effective exit policy of relay.
func ExitPolicyFromRelay(relay *Relay) ExitPolicy {
	return ExitPolicy{
		V4: relay.IPv4Policy(),
		V6: relay.IPv6Policy(),
	}
}

// AllowsPort returns true if the policy allows the given target port.
func (e ExitPolicy) AllowsPort(p TargetPort) bool {
	if p.IPv6 {
		return e.V6.AllowsPort(p.Port)
	}

	return e.V4.AllowsPort(p.Port)
}

// AllowsSomePort returns true if either family allows at least one port.
func (e ExitPolicy) AllowsSomePort() bool {
	return e.V4.AllowsSomePort() || e.V6.AllowsSomePort()
}
