package circmgr

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/proto"
)

// CircID identifies a circuit in the circuit manager.
type CircID uint64

// lastCircID is the last CircID handed out.
var lastCircID atomic.Uint64

func nextCircID() CircID {
	return CircID(lastCircID.Add(1))
}

// Circuit is a built circuit. Its hops never change.
type Circuit struct {
	id   CircID
	kind path.Kind
	hops []linkspec.RelayIDs
	circ proto.Circuit
}

// newCircuit wraps a circuit built along p.
func newCircuit(circ proto.Circuit, kind path.Kind,
	p *path.OwnedPath) *Circuit {

	hops := make([]linkspec.RelayIDs, 0, p.Len())
	if p.ChanTarget != nil {
		hops = append(hops, p.ChanTarget.IDs())
	}
	for _, h := range p.Hops {
		hops = append(hops, h.IDs())
	}

	return &Circuit{
		id:   nextCircID(),
		kind: kind,
		hops: hops,
		circ: circ,
	}
}

// ID returns the identifier of the circuit.
func (c *Circuit) ID() CircID {
	return c.id
}

// Kind returns the kind of path the circuit was built along.
func (c *Circuit) Kind() path.Kind {
	return c.kind
}

// Hops returns a copy of the identities of the hops, first hop first.
func (c *Circuit) Hops() []linkspec.RelayIDs {
	return slices.Clone(c.hops)
}

// NHops returns the number of hops.
func (c *Circuit) NHops() int {
	return len(c.hops)
}

// Proto returns the underlying protocol circuit, used to open streams.
func (c *Circuit) Proto() proto.Circuit {
	return c.circ
}

// IsClosing returns true once the circuit is shutting down.
func (c *Circuit) IsClosing() bool {
	return c.circ.IsClosing()
}

// String returns the circuit ID and its hops.
func (c *Circuit) String() string {
	return fmt.Sprintf("circ %d (%v, %d hops)", c.id, c.kind, len(c.hops))
}
