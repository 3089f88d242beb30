package netdir

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/lightningnetwork/torcirc/linkspec"
)

// RelayFlags are the consensus flags of a relay that path selection cares
// about.
type RelayFlags uint16

const (
	// FlagGuard marks a relay suitable as the first hop of a circuit.
	FlagGuard RelayFlags = 1 << iota

	// FlagExit marks a relay that the authorities consider a useful
	// exit.
	FlagExit

	// FlagBadExit marks a relay that must never be used as an exit.
	FlagBadExit

	// FlagFast marks a relay with high enough bandwidth.
	FlagFast

	// FlagStable marks a relay with long uptime.
	FlagStable

	// FlagV2Dir marks a relay that serves directory information.
	FlagV2Dir
)

// String returns the names of the set flags.
func (f RelayFlags) String() string {
	names := []string{
		"Guard", "Exit", "BadExit", "Fast", "Stable", "V2Dir",
	}

	var set []string
	for i, name := range names {
		if f&(1<<i) != 0 {
			set = append(set, name)
		}
	}

	return strings.Join(set, ",")
}

// RelayDesc holds everything needed to describe one relay of a network
// view. It is the input of NewRelay.
type RelayDesc struct {
	IDs        linkspec.RelayIDs
	Addrs      []netip.AddrPort
	NtorKey    [32]byte
	Flags      RelayFlags
	Bandwidth  uint32
	Family     []linkspec.RSAIdentity
	IPv4Policy *PortPolicy
	IPv6Policy *PortPolicy
}

// Relay is a usable relay of a network view. Relays are immutable.
type Relay struct {
	ids       linkspec.RelayIDs
	addrs     []netip.AddrPort
	ntorKey   [32]byte
	flags     RelayFlags
	bandwidth uint32
	family    map[linkspec.RSAIdentity]struct{}

	ipv4Policy *PortPolicy
	ipv6Policy *PortPolicy
}

// A compile-time check that Relay can be used as a circuit hop.
var _ linkspec.CircTarget = (*Relay)(nil)

// NewRelay builds a Relay from its description. Missing policies are
// treated as reject-all.
func NewRelay(desc *RelayDesc) *Relay {
	family := make(map[linkspec.RSAIdentity]struct{}, len(desc.Family))
	for _, id := range desc.Family {
		family[id] = struct{}{}
	}

	r := &Relay{
		ids:        desc.IDs,
		addrs:      append([]netip.AddrPort(nil), desc.Addrs...),
		ntorKey:    desc.NtorKey,
		flags:      desc.Flags,
		bandwidth:  desc.Bandwidth,
		family:     family,
		ipv4Policy: desc.IPv4Policy,
		ipv6Policy: desc.IPv6Policy,
	}
	if r.ipv4Policy == nil {
		r.ipv4Policy = NewRejectAllPolicy()
	}
	if r.ipv6Policy == nil {
		r.ipv6Policy = NewRejectAllPolicy()
	}

	return r
}

// IDs returns the relay's identities.
func (r *Relay) IDs() linkspec.RelayIDs {
	return r.ids
}

// ID returns the relay's primary identity.
func (r *Relay) ID() linkspec.Ed25519Identity {
	return r.ids.Ed25519
}

// RSAID returns the relay's legacy identity.
func (r *Relay) RSAID() linkspec.RSAIdentity {
	return r.ids.RSA
}

// Addrs returns the relay's OR addresses.
func (r *Relay) Addrs() []netip.AddrPort {
	return r.addrs
}

// NtorOnionKey returns the relay's circuit extension key.
func (r *Relay) NtorOnionKey() [32]byte {
	return r.ntorKey
}

// Flags returns the relay's consensus flags.
func (r *Relay) Flags() RelayFlags {
	return r.flags
}

// Bandwidth returns the relay's consensus bandwidth, before role
// weighting.
func (r *Relay) Bandwidth() uint32 {
	return r.bandwidth
}

// IsFlaggedGuard returns true if the relay has the Guard flag.
func (r *Relay) IsFlaggedGuard() bool {
	return r.flags&FlagGuard != 0
}

// IsFlaggedExit returns true if the relay has the Exit flag and not the
// BadExit flag.
func (r *Relay) IsFlaggedExit() bool {
	return r.flags&FlagExit != 0 && r.flags&FlagBadExit == 0
}

// IsDirCache returns true if the relay serves directory information.
func (r *Relay) IsDirCache() bool {
	return r.flags&FlagV2Dir != 0
}

// IPv4Policy returns the effective IPv4 exit policy. A BadExit relay
// allows nothing.
func (r *Relay) IPv4Policy() *PortPolicy {
	if r.flags&FlagBadExit != 0 {
		return NewRejectAllPolicy()
	}

	return r.ipv4Policy
}

// IPv6Policy returns the effective IPv6 exit policy. A BadExit relay
// allows nothing.
func (r *Relay) IPv6Policy() *PortPolicy {
	if r.flags&FlagBadExit != 0 {
		return NewRejectAllPolicy()
	}

	return r.ipv6Policy
}

// SupportsExitPortIPv4 returns true if the relay allows exits to port on
// IPv4.
func (r *Relay) SupportsExitPortIPv4(port uint16) bool {
	return r.IPv4Policy().AllowsPort(port)
}

// SupportsExitPortIPv6 returns true if the relay allows exits to port on
// IPv6.
func (r *Relay) SupportsExitPortIPv6(port uint16) bool {
	return r.IPv6Policy().AllowsPort(port)
}

// PoliciesAllowSomePort returns true if the relay allows exits to at least
// one port in either address family.
func (r *Relay) PoliciesAllowSomePort() bool {
	return r.IPv4Policy().AllowsSomePort() ||
		r.IPv6Policy().AllowsSomePort()
}

// SameRelay returns true if both relays have the same identities.
func (r *Relay) SameRelay(other *Relay) bool {
	return r.ids.SameRelay(other.ids)
}

// listsInFamily returns true if r declares id as a family member.
func (r *Relay) listsInFamily(id linkspec.RSAIdentity) bool {
	_, ok := r.family[id]
	return ok
}

// InSameFamily returns true if the two relays are the same relay, or if each
// lists the other in its family. A one-sided claim is ignored.
func (r *Relay) InSameFamily(other *Relay) bool {
	if r.SameRelay(other) {
		return true
	}

	return r.listsInFamily(other.ids.RSA) && other.listsInFamily(r.ids.RSA)
}

// InSameSubnet returns true if any address of r shares a subnet with any
// address of other, under cfg.
func (r *Relay) InSameSubnet(other *Relay, cfg SubnetConfig) bool {
	for _, a := range r.addrs {
		for _, b := range other.addrs {
			if cfg.AddrsInSameSubnet(a.Addr(), b.Addr()) {
				return true
			}
		}
	}

	return false
}

// String returns the relay's primary identity and first address.
func (r *Relay) String() string {
	if len(r.addrs) == 0 {
		return r.ids.Ed25519.String()
	}

	return fmt.Sprintf("%s@%s", r.ids.Ed25519, r.addrs[0])
}

const (
	// DefaultSubnetsFamilyV4 is the default IPv4 prefix length within
	// which two relays are treated as related.
	DefaultSubnetsFamilyV4 = 16

	// DefaultSubnetsFamilyV6 is the default IPv6 prefix length within
	// which two relays are treated as related.
	DefaultSubnetsFamilyV6 = 32
)

// SubnetConfig controls when two relays count as being in the same subnet.
// A prefix length longer than the address disables the check for that
// family.
type SubnetConfig struct {
	SubnetsFamilyV4 uint8
	SubnetsFamilyV6 uint8
}

// DefaultSubnetConfig returns the default subnet configuration.
func DefaultSubnetConfig() SubnetConfig {
	return SubnetConfig{
		SubnetsFamilyV4: DefaultSubnetsFamilyV4,
		SubnetsFamilyV6: DefaultSubnetsFamilyV6,
	}
}

// AddrsInSameSubnet returns true if a and b are in the same subnet. IPv4
// addresses are never in the same subnet as IPv6 addresses.
func (c SubnetConfig) AddrsInSameSubnet(a, b netip.Addr) bool {
	a, b = a.Unmap(), b.Unmap()

	var bits uint8
	switch {
	case a.Is4() && b.Is4():
		if c.SubnetsFamilyV4 > 32 {
			return false
		}
		bits = c.SubnetsFamilyV4

	case a.Is6() && b.Is6():
		if c.SubnetsFamilyV6 > 128 {
			return false
		}
		bits = c.SubnetsFamilyV6

	default:
		return false
	}

	pa, err := a.Prefix(int(bits))
	if err != nil {
		return false
	}
	pb, err := b.Prefix(int(bits))
	if err != nil {
		return false
	}

	return pa == pb
}
