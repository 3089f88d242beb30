// Package linkspec describes how to reach a relay and how to recognise it:
// its identity keys, its addresses and, for circuit extension, its onion key.
package linkspec

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// Ed25519IDLen is the length of a relay's primary identity.
	Ed25519IDLen = 32

	// RSAIDLen is the length of a relay's legacy identity, the SHA1
	// digest of its RSA identity key.
	RSAIDLen = 20
)

// ErrBadIDLength is returned when an identity is parsed from a slice of the
// wrong size.
var ErrBadIDLength = errors.New("identity has wrong length")

// Ed25519Identity is the primary identity of a relay.
type Ed25519Identity [Ed25519IDLen]byte

// String returns the identity hex encoded.
func (e Ed25519Identity) String() string {
	return hex.EncodeToString(e[:])
}

// IsZero returns true if the identity is unset.
func (e Ed25519Identity) IsZero() bool {
	return e == Ed25519Identity{}
}

// RSAIdentity is the legacy identity of a relay.
type RSAIdentity [RSAIDLen]byte

// String returns the identity hex encoded with a leading '$', the way relay
// fingerprints are normally written.
func (r RSAIdentity) String() string {
	return "$" + hex.EncodeToString(r[:])
}

// IsZero returns true if the identity is unset.
func (r RSAIdentity) IsZero() bool {
	return r == RSAIdentity{}
}

// Ed25519IDFromBytes copies b into an Ed25519Identity.
func Ed25519IDFromBytes(b []byte) (Ed25519Identity, error) {
	var id Ed25519Identity
	if len(b) != Ed25519IDLen {
		return id, fmt.Errorf("%w: ed25519 id of %d bytes",
			ErrBadIDLength, len(b))
	}
	copy(id[:], b)

	return id, nil
}

// RSAIDFromBytes copies b into an RSAIdentity.
func RSAIDFromBytes(b []byte) (RSAIdentity, error) {
	var id RSAIdentity
	if len(b) != RSAIDLen {
		return id, fmt.Errorf("%w: rsa id of %d bytes",
			ErrBadIDLength, len(b))
	}
	copy(id[:], b)

	return id, nil
}

// RelayIDs is the full identity set of a relay. Caches key on the Ed25519
// identity alone, but a connection is only accepted when the peer proves
// both.
type RelayIDs struct {
	Ed25519 Ed25519Identity
	RSA     RSAIdentity
}

// String returns a short human readable form of the identities.
func (r RelayIDs) String() string {
	return fmt.Sprintf("%s %s", r.Ed25519, r.RSA)
}

// SameRelay returns true if both identity sets name the same relay.
func (r RelayIDs) SameRelay(other RelayIDs) bool {
	return r == other
}

// HasAnyIDOf returns true if r and other share at least one identity.
func (r RelayIDs) HasAnyIDOf(other RelayIDs) bool {
	return r.Ed25519 == other.Ed25519 || r.RSA == other.RSA
}

// ChanTarget is anything that names a relay we can open a channel to.
type ChanTarget interface {
	// Addrs returns the addresses at which the relay can be reached.
	Addrs() []netip.AddrPort

	// IDs returns the identities the relay is expected to prove.
	IDs() RelayIDs
}

// CircTarget is a relay that can be used as a hop in a circuit, which
// additionally requires its onion key.
type CircTarget interface {
	ChanTarget

	// NtorOnionKey returns the relay's curve25519 circuit extension key.
	NtorOnionKey() [32]byte
}

// OwnedChanTarget is a self-contained copy of a ChanTarget.
type OwnedChanTarget struct {
	addrs []netip.AddrPort
	ids   RelayIDs
}

// A compile-time check that OwnedChanTarget implements ChanTarget.
var _ ChanTarget = (*OwnedChanTarget)(nil)

// NewOwnedChanTarget returns a channel target for the given addresses and
// identities.
func NewOwnedChanTarget(addrs []netip.AddrPort,
	ids RelayIDs) *OwnedChanTarget {

	return &OwnedChanTarget{
		addrs: append([]netip.AddrPort(nil), addrs...),
		ids:   ids,
	}
}

// OwnedChanTargetFrom copies target.
func OwnedChanTargetFrom(target ChanTarget) *OwnedChanTarget {
	return NewOwnedChanTarget(target.Addrs(), target.IDs())
}

// Addrs returns the addresses of the target.
func (o *OwnedChanTarget) Addrs() []netip.AddrPort {
	return o.addrs
}

// IDs returns the identities of the target.
func (o *OwnedChanTarget) IDs() RelayIDs {
	return o.ids
}

// String returns the primary identity and first address of the target.
func (o *OwnedChanTarget) String() string {
	if len(o.addrs) == 0 {
		return o.ids.Ed25519.String()
	}

	return fmt.Sprintf("%s@%s", o.ids.Ed25519, o.addrs[0])
}

// OwnedCircTarget is a self-contained copy of a CircTarget.
type OwnedCircTarget struct {
	OwnedChanTarget

	ntorKey [32]byte
}

// A compile-time check that OwnedCircTarget implements CircTarget.
var _ CircTarget = (*OwnedCircTarget)(nil)

// NewOwnedCircTarget returns a circuit target.
func NewOwnedCircTarget(addrs []netip.AddrPort, ids RelayIDs,
	ntorKey [32]byte) *OwnedCircTarget {

	return &OwnedCircTarget{
		OwnedChanTarget: *NewOwnedChanTarget(addrs, ids),
		ntorKey:         ntorKey,
	}
}

// OwnedCircTargetFrom copies target.
func OwnedCircTargetFrom(target CircTarget) *OwnedCircTarget {
	return NewOwnedCircTarget(
		target.Addrs(), target.IDs(), target.NtorOnionKey(),
	)
}

// NtorOnionKey returns the relay's circuit extension key.
func (o *OwnedCircTarget) NtorOnionKey() [32]byte {
	return o.ntorKey
}

// SameAddrs returns true if both targets list the same addresses in the same
// order.
func SameAddrs(a, b ChanTarget) bool {
	aa, ba := a.Addrs(), b.Addrs()
	if len(aa) != len(ba) {
		return false
	}
	for i := range aa {
		if aa[i] != ba[i] {
			return false
		}
	}

	return true
}

// CompareIDs orders identity sets by their primary identity, then by their
// legacy identity.
func CompareIDs(a, b RelayIDs) int {
	if c := bytes.Compare(a.Ed25519[:], b.Ed25519[:]); c != 0 {
		return c
	}

	return bytes.Compare(a.RSA[:], b.RSA[:])
}
