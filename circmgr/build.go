package circmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/proto"
)

// ErrBuilderShuttingDown is returned for builds requested after the builder
// was stopped.
var ErrBuilderShuttingDown = fmt.Errorf("circuit builder shutting down: %w",
	circerr.ErrRequestCancelled)

// BuilderConfig holds the dependencies of a Builder.
type BuilderConfig struct {
	// Hops creates and extends circuits.
	Hops HopBuilder

	// Estimator learns build times and supplies the timeouts.
	Estimator timeouts.Estimator

	// Clock is the time source for measuring builds and their timeouts.
	Clock clock.Clock
}

// Builder builds circuits along paths, under the timeouts of its estimator.
type Builder struct {
	cfg BuilderConfig

	// detached runs the builds, which outlive their callers once the
	// report timeout has passed.
	detached *fn.GoroutineManager
}

// NewBuilder returns a circuit builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Builder{
		cfg:      cfg,
		detached: fn.NewGoroutineManager(),
	}
}

// Stop abandons every build in progress and waits for them to wind down.
func (b *Builder) Stop() {
	b.detached.Stop()
}

// buildResult is the outcome of one build.
type buildResult struct {
	circ proto.Circuit
	err  error
}

// handoff passes a build's result to its caller, if the caller is still
// waiting for it.
type handoff struct {
	mu         sync.Mutex
	callerGone bool
	result     chan buildResult
}

// deliver hands res to the caller and returns true, or returns false if the
// caller stopped waiting.
func (h *handoff) deliver(res buildResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.callerGone {
		return false
	}
	h.result <- res

	return true
}

// abandon marks the caller as gone. A result that was delivered before is
// returned instead.
func (h *handoff) abandon() (buildResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case res := <-h.result:
		return res, true
	default:
	}
	h.callerGone = true

	return buildResult{}, false
}

// Build builds a circuit along p.
//
// The build is bounded by two timeouts from the estimator. If it takes longer
// than the report timeout, the caller gets circerr.ErrCircTimeout but the
// build carries on in the background, so that its outcome is still learned
// from. Only at the abandon timeout is it cancelled. A circuit finished
// after its caller gave up is terminated.
//
// Once the build has started, cancelling ctx only stops the wait for it.
func (b *Builder) Build(ctx context.Context, p *path.OwnedPath,
	params proto.CircParameters,
	mon *guard.Monitor) (proto.Circuit, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := newFirstHopStatus(mon)
	report, abandon := b.cfg.Estimator.Timeouts(
		timeouts.BuildCircuit(p.Len()),
	)
	reportTimeout := b.cfg.Clock.TickAfter(report)

	h := &handoff{result: make(chan buildResult, 1)}

	launched := b.detached.Go(
		context.WithoutCancel(ctx), func(ctx context.Context) {
			b.runBuild(ctx, p, params, status, abandon, h)
		},
	)
	if !launched {
		status.report(guard.StatusAttemptAbandoned)
		return nil, ErrBuilderShuttingDown
	}

	select {
	case res := <-h.result:
		return res.circ, res.err

	case <-reportTimeout:
		if res, ok := h.abandon(); ok {
			return res.circ, res.err
		}

		log.Debugf("Circuit build along %d hops exceeded report "+
			"timeout of %v", p.Len(), report)

		return nil, circerr.ErrCircTimeout

	case <-ctx.Done():
		if res, ok := h.abandon(); ok {
			return res.circ, res.err
		}

		return nil, ctx.Err()
	}
}

// runBuild builds the circuit until it is done or the abandon timeout
// passes, records the outcome, and hands the result over.
//
// NOTE: This MUST be run as a goroutine.
func (b *Builder) runBuild(ctx context.Context, p *path.OwnedPath,
	params proto.CircParameters, status *firstHopStatus,
	abandon time.Duration, h *handoff) {

	start := b.cfg.Clock.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	abandonTimeout := b.cfg.Clock.TickAfter(abandon)
	abandoned := make(chan struct{})
	go func() {
		select {
		case <-abandonTimeout:
			close(abandoned)
			cancel()
		case <-ctx.Done():
		}
	}()

	circ, nBuilt, err := b.buildHops(ctx, p, params, status, start)
	elapsed := b.cfg.Clock.Now().Sub(start)

	if err == nil {
		status.report(guard.StatusSuccess)

		if !h.deliver(buildResult{circ: circ}) {
			log.Debugf("Circuit of %d hops finished %v after its "+
				"caller gave up, discarding it", p.Len(),
				elapsed)
			circ.Terminate()
		}

		return
	}

	select {
	case <-abandoned:
		err = fmt.Errorf("%w: abandoned after %v",
			circerr.ErrCircTimeout, elapsed)

	default:
		// Cancelled by Stop. That says nothing about the network.
		if ctx.Err() != nil {
			status.report(guard.StatusAttemptAbandoned)
			h.deliver(buildResult{err: err})

			return
		}
	}

	b.cfg.Estimator.NoteCircTimeout(uint8(nBuilt), elapsed)
	status.commit()

	log.Debugf("Circuit build failed after %d of %d hops: %v", nBuilt,
		p.Len(), err)

	h.deliver(buildResult{err: err})
}

// buildHops creates the first hop and extends the circuit hop by hop. It
// returns the number of hops built, also on failure.
func (b *Builder) buildHops(ctx context.Context, p *path.OwnedPath,
	params proto.CircParameters, status *firstHopStatus,
	start time.Time) (proto.Circuit, int, error) {

	n := p.Len()
	if n == 0 {
		return nil, 0, circerr.Bug("building an empty path")
	}

	// Until the first hop exists, a failure is the guard's fault.
	if err := status.pending(guard.StatusFailure); err != nil {
		return nil, 0, err
	}

	first := ChanHop(p.ChanTarget)
	if p.ChanTarget == nil {
		first = CircHop(p.Hops[0])
	}

	circ, err := b.cfg.Hops.CreateFirstHop(ctx, first, params)
	if err != nil {
		return nil, 0, err
	}
	b.noteHop(0, start, n == 1)

	if err := status.pending(guard.StatusIndeterminate); err != nil {
		circ.Terminate()
		return nil, 1, err
	}

	for i := 1; i < n; i++ {
		err := b.cfg.Hops.Extend(ctx, circ, p.Hops[i], params)
		if err != nil {
			circ.Terminate()
			return nil, i, err
		}
		b.noteHop(i, start, i == n-1)
	}

	return circ, n, nil
}

func (b *Builder) noteHop(hop int, start time.Time, isLast bool) {
	b.cfg.Estimator.NoteHopCompleted(
		uint8(hop), b.cfg.Clock.Now().Sub(start), isLast,
	)
}
