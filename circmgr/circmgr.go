// Package circmgr hands out circuits. A request names what the circuit is
// for; an open circuit that can serve it is reused, and otherwise a path is
// picked and a new circuit built, with concurrent identical requests sharing
// one build. In the background the manager saves what it learned, builds
// circuits to measure build times while still learning them, builds
// circuits ahead of demand, and retires circuits that were used for too
// long.
package circmgr

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/logutil"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/persist"
	"github.com/lightningnetwork/torcirc/proto"
	"github.com/lightningnetwork/torcirc/subscribe"
	"github.com/lightningnetwork/torcirc/torcfg"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultBackgroundRate is how many background circuits may be
	// launched per second on average.
	DefaultBackgroundRate = rate.Limit(1)

	// DefaultBackgroundBurst is how many background circuits may be
	// launched at once.
	DefaultBackgroundBurst = 4

	// maxParallelPreemptive bounds the preemptive builds running at the
	// same time.
	maxParallelPreemptive = 4
)

// Config holds the dependencies of a CircMgr.
type Config struct {
	// Hops creates and extends circuits.
	Hops HopBuilder

	// Guards, if set, picks the first hop of every circuit.
	Guards guard.Manager

	// Estimator learns circuit build times.
	Estimator *timeouts.Handle

	// Store holds the state of the estimator.
	Store persist.Store

	// NetDir, if set, is watched for new consensus parameters and used
	// by the background tasks to pick paths.
	NetDir netdir.Provider

	// Clock is the time source for dirtiness and predictions.
	Clock clock.Clock

	// Path configures path selection.
	Path *path.Config

	// Timing configures circuit lifetime and housekeeping.
	Timing *torcfg.CircuitTiming

	// Preemptive configures circuits built ahead of demand.
	Preemptive *torcfg.Preemptive

	// FlushTicker drives saving state.
	FlushTicker ticker.Ticker

	// NewTestingTicker creates the ticker driving timeout testing
	// circuits. It is called again with the new interval whenever the
	// consensus changes cbttestfreq.
	NewTestingTicker func(interval time.Duration) ticker.Ticker

	// ExpiryTicker drives retiring dirty circuits.
	ExpiryTicker ticker.Ticker

	// PreemptiveTicker drives preemptive circuit building.
	PreemptiveTicker ticker.Ticker

	// BackgroundLimiter limits the rate of background launches.
	BackgroundLimiter *rate.Limiter

	// Rand is the source of randomness for path selection.
	Rand *rand.Rand

	// Registerer, if set, receives the circuit metrics.
	Registerer prometheus.Registerer
}

// CircMgr holds open circuits and builds new ones on demand.
type CircMgr struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	builder   *Builder
	cache     *circCache
	flights   singleflight.Group
	predictor *PreemptivePredictor
	metrics   *metrics

	rngMu sync.Mutex

	// testingDelay is the interval between timeout testing circuits
	// asked for by the latest parameters. testingDelayChanged is
	// signalled when it is updated.
	testingDelay        atomic.Int64
	testingDelayChanged chan struct{}

	// ctx is the context of launches, which are shared between callers.
	// It is cancelled on Stop.
	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a circuit manager. Start must be called before its background
// tasks run, but requests are served without them.
func New(cfg Config) *CircMgr {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = timeouts.NewHandle(
			timeouts.NewParetoEstimator(nil),
		)
	}
	if cfg.Store == nil {
		cfg.Store = persist.NewMemStore()
	}
	if cfg.Path == nil {
		cfg.Path = path.DefaultConfig()
	}
	if cfg.Timing == nil {
		cfg.Timing = torcfg.DefaultCircuitTiming()
	}
	if cfg.Preemptive == nil {
		cfg.Preemptive = torcfg.DefaultPreemptive()
	}
	if cfg.FlushTicker == nil {
		cfg.FlushTicker = ticker.New(cfg.Timing.FlushInterval)
	}
	if cfg.NewTestingTicker == nil {
		cfg.NewTestingTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}
	if cfg.ExpiryTicker == nil {
		cfg.ExpiryTicker = ticker.New(cfg.Timing.ExpiryInterval)
	}
	if cfg.PreemptiveTicker == nil {
		cfg.PreemptiveTicker = ticker.New(cfg.Preemptive.Interval)
	}
	if cfg.BackgroundLimiter == nil {
		cfg.BackgroundLimiter = rate.NewLimiter(
			DefaultBackgroundRate, DefaultBackgroundBurst,
		)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &CircMgr{
		cfg: cfg,
		builder: NewBuilder(BuilderConfig{
			Hops:      cfg.Hops,
			Estimator: cfg.Estimator,
			Clock:     cfg.Clock,
		}),
		cache: newCircCache(cfg.Timing.MaxDirtiness),
		predictor: NewPreemptivePredictor(
			cfg.Preemptive, cfg.Clock.Now(),
		),
		ctx:                 ctx,
		cancel:              cancel,
		testingDelayChanged: make(chan struct{}, 1),
		quit:                make(chan struct{}),
	}
	m.testingDelay.Store(
		int64(netdir.DefaultNetParameters().CbtTestingDelay()),
	)
	m.metrics = newMetrics(m, cfg.Registerer)

	return m
}

// Start launches the background tasks.
func (m *CircMgr) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Circuit manager starting")

	var dirEvents *subscribe.Client[netdir.DirEvent]
	if m.cfg.NetDir != nil {
		var err error
		dirEvents, err = m.cfg.NetDir.Events()
		if err != nil {
			return err
		}

		m.cfg.NetDir.LatestNetDir().WhenSome(func(nd *netdir.NetDir) {
			m.UpdateNetworkParameters(nd.Params())
		})
	}

	m.cfg.FlushTicker.Resume()
	m.cfg.ExpiryTicker.Resume()

	m.wg.Add(2)
	go m.flushLoop()
	go m.expiryLoop()

	if dirEvents != nil {
		m.wg.Add(2)
		go m.netDirLoop(dirEvents)
		go m.testingLoop()

		if m.cfg.Preemptive.Enabled() {
			m.cfg.PreemptiveTicker.Resume()

			m.wg.Add(1)
			go m.preemptiveLoop()
		}
	}

	return nil
}

// Stop stops the background tasks, abandons the builds in flight and saves
// the learned state. Circuits already handed out stay open.
func (m *CircMgr) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Circuit manager shutting down...")
	defer log.Debug("Circuit manager shutdown complete")

	close(m.quit)
	m.cancel()
	m.builder.Stop()
	m.wg.Wait()

	m.cfg.FlushTicker.Stop()
	m.cfg.ExpiryTicker.Stop()
	m.cfg.PreemptiveTicker.Stop()

	return m.flush()
}

// GetOrLaunch returns a circuit for usage. An open circuit supporting usage
// is reused; otherwise one is built along a path picked from dir. Callers
// asking for an equal usage while it is being built share the build.
//
// Errors of path selection and building reach every caller sharing the
// build unchanged. Nothing is retried.
func (m *CircMgr) GetOrLaunch(ctx context.Context, usage *TargetCircUsage,
	dir path.DirInfo) (*Circuit, error) {

	now := m.cfg.Clock.Now()
	m.notePrediction(usage, now)

	if circ, ok := m.cache.takeSupported(usage, now); ok {
		m.metrics.cacheHits.Inc()
		log.Tracef("Reusing %v for %v", circ, usage)

		return circ, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timing.RequestTimeout)
	defer cancel()

	flight := m.flights.DoChan(usage.key(), func() (any, error) {
		return m.launch(m.ctx, usage, dir)
	})

	select {
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}

		circ := res.Val.(*Circuit)
		err := m.cache.restrict(circ.ID(), usage, m.cfg.Clock.Now())
		if err != nil {
			return nil, err
		}

		return circ, nil

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-m.quit:
		return nil, circerr.ErrRequestCancelled
	}
}

// GetOrLaunchExit returns a circuit whose exit allows every port in ports,
// for streams with the given isolation.
func (m *CircMgr) GetOrLaunchExit(ctx context.Context, nd *netdir.NetDir,
	ports []netdir.TargetPort, isolation StreamIsolation) (*Circuit,
	error) {

	return m.GetOrLaunch(
		ctx, ExitUsage(ports, isolation), path.FromNetDir(nd),
	)
}

// GetOrLaunchDir returns a one-hop circuit for directory requests.
func (m *CircMgr) GetOrLaunchDir(ctx context.Context,
	dir path.DirInfo) (*Circuit, error) {

	return m.GetOrLaunch(ctx, DirUsage(), dir)
}

// notePrediction feeds exit requests to the preemptive predictor.
func (m *CircMgr) notePrediction(usage *TargetCircUsage, now time.Time) {
	if usage.kind != targetExit {
		return
	}

	if len(usage.ports) == 0 {
		m.predictor.NoteUsage(fn.None[netdir.TargetPort](), now)
		return
	}
	for _, p := range usage.ports {
		m.predictor.NoteUsage(fn.Some(p), now)
	}
}

// pickPath picks a path for usage.
func (m *CircMgr) pickPath(usage *TargetCircUsage, dir path.DirInfo,
	now time.Time) (*plannedPath, error) {

	m.rngMu.Lock()
	defer m.rngMu.Unlock()

	return usage.buildPath(m.cfg.Rand, dir, m.cfg.Guards, m.cfg.Path, now)
}

// circParams returns the circuit parameters of the network view in dir.
func circParams(dir path.DirInfo) proto.CircParameters {
	params := netdir.DefaultNetParameters()
	if dir.NetDir != nil {
		params = dir.NetDir.Params()
	}

	return proto.CircParameters{
		InitialSendWindow: uint16(params.CircuitWindow),
		ExtendByEd25519ID: params.ExtendByEd25519ID != 0,
	}
}

// launch picks a path for usage, builds a circuit along it and adds it to
// the cache.
func (m *CircMgr) launch(ctx context.Context, usage *TargetCircUsage,
	dir path.DirInfo) (*Circuit, error) {

	start := m.cfg.Clock.Now()

	plan, err := m.pickPath(usage, dir, start)
	if err != nil {
		log.Debugf("Unable to pick path for %v: %v", usage, err)
		return nil, err
	}

	owned, err := plan.path.Owned()
	if err != nil {
		if plan.monitor != nil {
			plan.monitor.Report(guard.StatusAttemptAbandoned)
		}
		return nil, err
	}

	log.DebugS(ctx, "Launching circuit", "usage", usage.String(),
		logutil.LogRelayIDs("first_hop", owned.FirstHopIDs()),
		"hops", owned.Len())
	log.Tracef("Picked path for %v: %v", usage,
		logutil.SpewLogClosure(owned))

	circ, err := m.builder.Build(ctx, owned, circParams(dir), plan.monitor)
	m.metrics.noteBuild(usage, err, m.cfg.Clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}

	if plan.usable != nil {
		usable, err := plan.usable.Wait(ctx)
		switch {
		case err != nil:
			circ.Terminate()
			return nil, err

		case !usable:
			circ.Terminate()
			return nil, circerr.ErrGuardNotUsable
		}
	}

	c := newCircuit(circ, plan.path.Kind(), owned)
	m.cache.insert(c, plan.supported)

	log.DebugS(ctx, "Circuit built", "circ", c.String(),
		"usage", plan.supported.String())

	return c, nil
}

// UpdateNetworkParameters applies new consensus parameters to the timeout
// estimator, the guard manager and the timeout testing interval.
func (m *CircMgr) UpdateNetworkParameters(params *netdir.NetParameters) {
	m.cfg.Estimator.UpdateParams(params)
	if m.cfg.Guards != nil {
		m.cfg.Guards.UpdateNetParameters(params)
	}

	delay := int64(params.CbtTestingDelay())
	if m.testingDelay.Swap(delay) != delay {
		select {
		case m.testingDelayChanged <- struct{}{}:
		default:
		}
	}
}

// RetireCircuit stops handing out the circuit with the given ID. A circuit
// that was never handed out is also terminated.
func (m *CircMgr) RetireCircuit(id CircID) {
	circ, unused := m.cache.remove(id)
	if unused {
		circ.circ.Terminate()
	}
}

// RetireAllCircuits stops handing out any circuit open now.
func (m *CircMgr) RetireAllCircuits() {
	for _, circ := range m.cache.removeAll() {
		circ.circ.Terminate()
	}
}

// ExpireCircuits retires closing circuits and circuits that were first used
// longer than MaxDirtiness ago.
func (m *CircMgr) ExpireCircuits() {
	n := m.cache.expire(m.cfg.Clock.Now())
	if n > 0 {
		log.Debugf("Retired %d expired circuits", n)
	}
	m.metrics.expired.Add(float64(n))
}

// NCircs returns the number of circuits held.
func (m *CircMgr) NCircs() int {
	return m.cache.len()
}

// flush saves the learned state, or rereads it if the store is read-only.
// A store that can take over from the client owning the state is given the
// chance to do so first.
func (m *CircMgr) flush() error {
	store := m.cfg.Store

	if locker, ok := store.(persist.Locker); ok && !store.CanStore() {
		locked, err := locker.TryLock()
		if err != nil {
			return err
		}
		if locked {
			log.Info("Took over ownership of client state")
		}
	}

	if !store.CanStore() {
		err := m.cfg.Estimator.ReloadReadonlyFromStorage(store)
		if err == nil && m.cfg.Guards != nil {
			err = m.cfg.Guards.ReloadPersistentState()
		}

		return err
	}

	if err := m.cfg.Estimator.UpgradeToOwningStorage(store); err != nil {
		return err
	}

	err := m.cfg.Estimator.SaveState(store)
	if m.cfg.Guards != nil {
		err = errors.Join(err, m.cfg.Guards.StorePersistentState())
	}

	return err
}

// flushLoop saves state on every tick of the flush ticker.
//
// NOTE: This MUST be run as a goroutine.
func (m *CircMgr) flushLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.FlushTicker.Ticks():
			if err := m.flush(); err != nil {
				log.Warnf("Unable to flush circuit state: %v",
					err)
			}

		case <-m.quit:
			return
		}
	}
}

// expiryLoop retires expired circuits on every tick of the expiry ticker.
//
// NOTE: This MUST be run as a goroutine.
func (m *CircMgr) expiryLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.ExpiryTicker.Ticks():
			m.ExpireCircuits()

		case <-m.quit:
			return
		}
	}
}

// netDirLoop applies the parameters of every new consensus.
//
// NOTE: This MUST be run as a goroutine.
func (m *CircMgr) netDirLoop(events *subscribe.Client[netdir.DirEvent]) {
	defer m.wg.Done()
	defer events.Cancel()

	for {
		select {
		case event, ok := <-events.Updates():
			if !ok {
				return
			}
			if event != netdir.NewConsensus {
				continue
			}

			m.cfg.NetDir.LatestNetDir().WhenSome(
				func(nd *netdir.NetDir) {
					m.UpdateNetworkParameters(nd.Params())
				},
			)

		case <-events.Quit():
			log.Debug("Network view event stream ended")
			return

		case <-m.quit:
			return
		}
	}
}

// testingLoop launches a timeout testing circuit on every tick of the
// testing ticker, as long as timeouts are still being learned. The ticker is
// replaced when the parameters ask for another interval.
//
// NOTE: This MUST be run as a goroutine.
func (m *CircMgr) testingLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.testingDelay.Load())
	t := m.cfg.NewTestingTicker(interval)
	t.Resume()
	defer func() {
		t.Stop()
	}()

	for {
		select {
		case <-t.Ticks():
			m.launchTimeoutTestingCircuit()

		case <-m.testingDelayChanged:
			next := time.Duration(m.testingDelay.Load())
			if next == interval {
				continue
			}

			log.Debugf("Timeout testing interval changed from %v "+
				"to %v", interval, next)

			t.Stop()
			interval = next
			t = m.cfg.NewTestingTicker(interval)
			t.Resume()

		case <-m.quit:
			return
		}
	}
}

// launchTimeoutTestingCircuit starts building a circuit that is only used
// to learn build times, unless enough is known or enough circuits are open.
// It does not wait for the build.
func (m *CircMgr) launchTimeoutTestingCircuit() {
	if !m.cfg.Estimator.LearningTimeouts() {
		return
	}

	nd, ok := m.latestNetDir()
	if !ok {
		return
	}

	if m.NCircs() >= int(nd.Params().CbtMaxOpenCircsForTesting) {
		return
	}
	if !m.cfg.BackgroundLimiter.Allow() {
		return
	}

	usage := TimeoutTestingUsage()
	dir := path.FromNetDir(nd)

	log.Debug("Launching timeout testing circuit")

	m.flights.DoChan(usage.key(), func() (any, error) {
		return m.launch(m.ctx, usage, dir)
	})
}

// preemptiveLoop builds predicted circuits on every tick of the preemptive
// ticker.
//
// NOTE: This MUST be run as a goroutine.
func (m *CircMgr) preemptiveLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.PreemptiveTicker.Ticks():
			if err := m.launchPreemptiveCircuits(); err != nil {
				log.Debugf("Preemptive circuit build "+
					"failed: %v", err)
			}

		case <-m.quit:
			return
		}
	}
}

// launchPreemptiveCircuits builds circuits for every predicted usage that
// fewer than the wanted number of open circuits support, and waits for the
// builds. Nothing is built once DisableAtThreshold circuits are open.
func (m *CircMgr) launchPreemptiveCircuits() error {
	if m.NCircs() >= m.cfg.Preemptive.DisableAtThreshold {
		return nil
	}

	nd, ok := m.latestNetDir()
	if !ok {
		return nil
	}
	dir := path.FromNetDir(nd)
	now := m.cfg.Clock.Now()

	var g errgroup.Group
	g.SetLimit(maxParallelPreemptive)

	for _, usage := range m.predictor.Predict(now) {
		missing := usage.circs - m.cache.countSupporting(usage, now)
		for i := 0; i < missing; i++ {
			if !m.cfg.BackgroundLimiter.Allow() {
				return g.Wait()
			}

			g.Go(func() error {
				_, err := m.launch(m.ctx, usage, dir)
				return err
			})
		}
	}

	return g.Wait()
}

func (m *CircMgr) latestNetDir() (*netdir.NetDir, bool) {
	if m.cfg.NetDir == nil {
		return nil, false
	}

	nd := m.cfg.NetDir.LatestNetDir()

	return nd.UnwrapOr(nil), nd.IsSome()
}
