// Package proto defines the protocol engine the circuit client drives: the
// link handshake that turns a TLS connection into a channel, and the cell
// level operations that create and extend circuits over it. The wire format
// and the handshake cryptography live behind these interfaces.
package proto

import (
	"context"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/linkspec"
)

// PaddingParams configures link padding on a channel.
type PaddingParams struct {
	// Enabled turns padding on.
	Enabled bool

	// Low and High bound the random interval after which a padding cell
	// is sent on an otherwise idle channel.
	Low  time.Duration
	High time.Duration
}

// CircParameters are the parameters used when creating or extending a
// circuit.
type CircParameters struct {
	// InitialSendWindow is the initial circuit-level flow control
	// window.
	InitialSendWindow uint16

	// ExtendByEd25519ID makes EXTEND2 cells name the next hop by its
	// Ed25519 identity as well as its legacy one.
	ExtendByEd25519ID bool
}

// Handshaker performs the link handshake with a relay over an established
// TLS connection and returns the resulting channel.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn,
		target linkspec.ChanTarget) (Channel, error)
}

// Channel is an open, authenticated connection to a relay over which any
// number of circuits are multiplexed.
type Channel interface {
	// Target returns the relay this channel is connected to, with the
	// identities it proved during the handshake.
	Target() *linkspec.OwnedChanTarget

	// CheckMatch returns an error unless the relay proved every identity
	// of target.
	CheckMatch(target linkspec.ChanTarget) error

	// IsClosing returns true once the channel is shutting down and may no
	// longer be used.
	IsClosing() bool

	// UnusedSince returns the time the last circuit on this channel
	// closed, or None while any circuit is open.
	UnusedSince() fn.Option[time.Time]

	// Reparameterize applies new padding parameters.
	Reparameterize(params PaddingParams) error

	// NewCirc allocates a circuit ID on the channel.
	NewCirc(ctx context.Context) (PendingCirc, error)

	// Close shuts the channel down.
	Close() error
}

// PendingCirc is a circuit whose first hop has not been created yet.
type PendingCirc interface {
	// CreateFirstHopFast creates the first hop with CREATE_FAST. It is
	// used when only the channel's identity is known.
	CreateFirstHopFast(ctx context.Context,
		params CircParameters) (Circuit, error)

	// CreateFirstHopNtor creates the first hop with the ntor handshake.
	CreateFirstHopNtor(ctx context.Context, target linkspec.CircTarget,
		params CircParameters) (Circuit, error)
}

// Circuit is a circuit with at least one hop.
type Circuit interface {
	// ExtendNtor adds target as a new last hop.
	ExtendNtor(ctx context.Context, target linkspec.CircTarget,
		params CircParameters) error

	// NHops returns the number of hops of the circuit.
	NHops() int

	// IsClosing returns true once the circuit is shutting down.
	IsClosing() bool

	// Terminate closes the circuit.
	Terminate()
}
