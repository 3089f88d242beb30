package circmgr

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/torcirc/chanmgr"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/proto"
)

// HopTarget is the first hop of a circuit: either a relay known only by its
// channel identity, which gets a CREATE_FAST hop, or a full circuit target,
// which gets an ntor hop.
type HopTarget struct {
	chanOnly *linkspec.OwnedChanTarget
	circ     *linkspec.OwnedCircTarget
}

// ChanHop returns a first hop reached without an onion key.
func ChanHop(target *linkspec.OwnedChanTarget) HopTarget {
	return HopTarget{chanOnly: target}
}

// CircHop returns a first hop with a full circuit target.
func CircHop(target *linkspec.OwnedCircTarget) HopTarget {
	return HopTarget{circ: target}
}

// ChanTarget returns the relay the first hop's channel goes to.
func (h HopTarget) ChanTarget() linkspec.ChanTarget {
	if h.circ != nil {
		return h.circ
	}

	return h.chanOnly
}

// String returns the relay of the hop.
func (h HopTarget) String() string {
	if h.circ != nil {
		return h.circ.String()
	}

	return h.chanOnly.String()
}

// HopBuilder performs the two steps of building a circuit.
type HopBuilder interface {
	// CreateFirstHop opens a circuit with one hop.
	CreateFirstHop(ctx context.Context, target HopTarget,
		params proto.CircParameters) (proto.Circuit, error)

	// Extend adds target as the new last hop of circ.
	Extend(ctx context.Context, circ proto.Circuit,
		target *linkspec.OwnedCircTarget,
		params proto.CircParameters) error
}

// ChannelProvider hands out channels to relays.
type ChannelProvider interface {
	GetOrLaunch(ctx context.Context, target linkspec.ChanTarget) (
		proto.Channel, chanmgr.Provenance, error)
}

// A compile-time check that ChanMgr is a ChannelProvider.
var _ ChannelProvider = (*chanmgr.ChanMgr)(nil)

// channelHopBuilder builds hops over channels from a ChannelProvider.
type channelHopBuilder struct {
	chans ChannelProvider
}

// NewChannelHopBuilder returns a HopBuilder getting its channels from
// chans.
func NewChannelHopBuilder(chans ChannelProvider) HopBuilder {
	return &channelHopBuilder{chans: chans}
}

// CreateFirstHop gets a channel to the hop's relay and creates the hop.
func (c *channelHopBuilder) CreateFirstHop(ctx context.Context,
	target HopTarget, params proto.CircParameters) (proto.Circuit, error) {

	ch, prov, err := c.chans.GetOrLaunch(ctx, target.ChanTarget())
	if err != nil {
		return nil, err
	}
	log.Tracef("Using %v channel to %v for first hop", prov, target)

	pending, err := ch.NewCirc(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate circuit: %w", err)
	}

	if target.circ == nil {
		return pending.CreateFirstHopFast(ctx, params)
	}

	return pending.CreateFirstHopNtor(ctx, target.circ, params)
}

// Extend extends circ by target.
func (c *channelHopBuilder) Extend(ctx context.Context, circ proto.Circuit,
	target *linkspec.OwnedCircTarget, params proto.CircParameters) error {

	return circ.ExtendNtor(ctx, target, params)
}
