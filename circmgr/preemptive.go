package circmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/torcfg"
)

// PreemptivePredictor guesses which exit ports circuits will soon be needed
// for, from the ports recently asked for.
type PreemptivePredictor struct {
	mu sync.Mutex

	// lastUsed is when each port was last asked for. The None port
	// stands for exit circuits in general.
	lastUsed map[fn.Option[netdir.TargetPort]]time.Time

	lifetime time.Duration
	circs    int
}

// NewPreemptivePredictor returns a predictor that starts out predicting the
// configured initial ports and exit circuits in general.
func NewPreemptivePredictor(cfg *torcfg.Preemptive,
	now time.Time) *PreemptivePredictor {

	p := &PreemptivePredictor{
		lastUsed: make(map[fn.Option[netdir.TargetPort]]time.Time),
		lifetime: cfg.PredictionLifetime,
		circs:    cfg.MinExitCircsForPort,
	}

	p.lastUsed[fn.None[netdir.TargetPort]()] = now
	for _, port := range cfg.InitialPorts {
		p.lastUsed[fn.Some(netdir.IPv4Port(port))] = now
	}

	return p
}

// NoteUsage records that a circuit for port was asked for at now.
func (p *PreemptivePredictor) NoteUsage(port fn.Option[netdir.TargetPort],
	now time.Time) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lastUsed[port]; !ok || now.After(last) {
		p.lastUsed[port] = now
	}
}

// Predict returns a preemptive usage for every port asked for within the
// prediction lifetime, in port order with the general exit usage first.
func (p *PreemptivePredictor) Predict(now time.Time) []*TargetCircUsage {
	p.mu.Lock()
	var ports []fn.Option[netdir.TargetPort]
	for port, last := range p.lastUsed {
		if now.Sub(last) < p.lifetime {
			ports = append(ports, port)
		}
	}
	p.mu.Unlock()

	sort.Slice(ports, func(i, j int) bool {
		a, b := ports[i], ports[j]
		if a.IsNone() || b.IsNone() {
			return a.IsNone() && b.IsSome()
		}

		zero := netdir.TargetPort{}
		return comparePorts(a.UnwrapOr(zero), b.UnwrapOr(zero)) < 0
	})

	usages := make([]*TargetCircUsage, 0, len(ports))
	for _, port := range ports {
		usages = append(usages, PreemptiveUsage(port, p.circs))
	}

	return usages
}
