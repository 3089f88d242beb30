// Package testnet builds a small synthetic network view for tests.
//
// The network has 40 relays, numbered 0 to 39. Relay i has both identities
// filled with the byte i and lives at address (10+i%5).0.0.3, so relays
// whose numbers agree modulo 5 share a /16. Relays 2k and 2k+1 list each
// other as family. Relays 20-39 are guards; relays 10-19 and 30-39 are
// exits, where odd-numbered exits allow only ports 80 and 443 and
// even-numbered exits allow every port (on IPv6 too). Relay i has
// bandwidth 1000*(i%10+1).
package testnet

import (
	"net/netip"

	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
)

// NumRelays is the size of the test network.
const NumRelays = 40

// IDs returns the identities of relay idx.
func IDs(idx int) linkspec.RelayIDs {
	var ids linkspec.RelayIDs
	for i := range ids.Ed25519 {
		ids.Ed25519[i] = byte(idx)
	}
	for i := range ids.RSA {
		ids.RSA[i] = byte(idx)
	}

	return ids
}

// Index returns the number of a relay of the test network.
func Index(r *netdir.Relay) int {
	return int(r.RSAID()[0])
}

// IsGuard returns true if relay idx has the Guard flag.
func IsGuard(idx int) bool {
	return idx >= 20
}

// IsExit returns true if relay idx has the Exit flag.
func IsExit(idx int) bool {
	return (idx >= 10 && idx < 20) || idx >= 30
}

// RelayDesc returns the description of relay idx.
func RelayDesc(idx int) *netdir.RelayDesc {
	ids := IDs(idx)

	var key [32]byte
	for i := range key {
		key[i] = byte(idx)
	}

	flags := netdir.FlagFast | netdir.FlagStable | netdir.FlagV2Dir
	if IsGuard(idx) {
		flags |= netdir.FlagGuard
	}

	v4, v6 := netdir.NewRejectAllPolicy(), netdir.NewRejectAllPolicy()
	if IsExit(idx) {
		flags |= netdir.FlagExit

		if idx%2 == 1 {
			v4 = mustPolicy("accept 80,443")
		} else {
			v4 = netdir.NewAcceptAllPolicy()
			v6 = netdir.NewAcceptAllPolicy()
		}
	}

	family := IDs(idx ^ 1).RSA
	addr := netip.AddrPortFrom(
		netip.AddrFrom4([4]byte{byte(10 + idx%5), 0, 0, 3}), 9001,
	)

	return &netdir.RelayDesc{
		IDs:        ids,
		Addrs:      []netip.AddrPort{addr},
		NtorKey:    key,
		Flags:      flags,
		Bandwidth:  uint32(1000 * (idx%10 + 1)),
		Family:     []linkspec.RSAIdentity{family},
		IPv4Policy: v4,
		IPv6Policy: v6,
	}
}

func mustPolicy(s string) *netdir.PortPolicy {
	p, err := netdir.ParsePortPolicy(s)
	if err != nil {
		panic(err)
	}

	return p
}

// ConstructNetDir returns the standard test network with default
// parameters.
func ConstructNetDir() *netdir.NetDir {
	return ConstructCustomNetDir(nil, nil)
}

// ConstructCustomNetDir returns the test network after letting modify
// adjust every relay description, with the given consensus parameters.
func ConstructCustomNetDir(modify func(idx int, desc *netdir.RelayDesc),
	params map[string]int32) *netdir.NetDir {

	relays := make([]*netdir.Relay, 0, NumRelays)
	for idx := 0; idx < NumRelays; idx++ {
		desc := RelayDesc(idx)
		if modify != nil {
			modify(idx, desc)
		}
		relays = append(relays, netdir.NewRelay(desc))
	}

	nd, err := netdir.New(
		relays, netdir.NetParametersFromMap(params), nil,
		netdir.Lifetime{},
	)
	if err != nil {
		panic(err)
	}

	return nd
}
