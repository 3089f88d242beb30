package chanmgr

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/lightningnetwork/torcirc/linkspec"
)

var (
	// ErrIdentityMismatch is returned when a relay fails to prove one of
	// the identities the caller asked for.
	ErrIdentityMismatch = errors.New("relay identity mismatch")

	// ErrChanMgrShuttingDown is returned to callers once the channel
	// manager is stopping.
	ErrChanMgrShuttingDown = errors.New("channel manager shutting down")

	// ErrNoAddresses is returned when a target lists no address we could
	// connect to.
	ErrNoAddresses = errors.New("target has no addresses")
)

// IdentityMismatchError is returned when the relay at the other end of a
// channel is not the one the caller expected.
type IdentityMismatchError struct {
	// Expected is the identity set the caller asked for.
	Expected linkspec.RelayIDs

	// Err describes which identity did not match.
	Err error
}

// Error implements the error interface.
func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("channel to %v: %v: %v", e.Expected.Ed25519,
		ErrIdentityMismatch, e.Err)
}

// Is makes errors.Is match ErrIdentityMismatch.
func (e *IdentityMismatchError) Is(target error) bool {
	return target == ErrIdentityMismatch
}

// Unwrap returns the underlying error.
func (e *IdentityMismatchError) Unwrap() error {
	return e.Err
}

// ConnectError is returned when no TCP connection could be made to an
// address of a relay.
type ConnectError struct {
	Addr netip.AddrPort
	Err  error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to %v: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TLSError is returned when the TLS handshake with a relay fails.
type TLSError struct {
	Addr netip.AddrPort
	Err  error
}

// Error implements the error interface.
func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake with %v failed: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TLSError) Unwrap() error {
	return e.Err
}
