package circmgr

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/netdir/testnet"
	"github.com/lightningnetwork/torcirc/persist"
	"github.com/lightningnetwork/torcirc/torcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type mgrHarness struct {
	mgr   *CircMgr
	hops  *fakeHops
	est   *fakeEstimator
	clock *clock.TestClock
	nd    *netdir.NetDir
	store *persist.MemStore

	provider *netdir.MutableProvider

	// testingIntervals are the intervals testing tickers were created
	// with. Only the first ticker is testingTicker.
	testingMu        sync.Mutex
	testingIntervals []time.Duration

	flushTicker      *ticker.Force
	testingTicker    *ticker.Force
	expiryTicker     *ticker.Force
	preemptiveTicker *ticker.Force
}

type harnessOption func(h *mgrHarness, cfg *Config)

// withNetDir makes the manager watch a network view holding the test
// network.
func withNetDir() harnessOption {
	return func(h *mgrHarness, cfg *Config) {
		h.provider = netdir.NewMutableProvider()
		cfg.NetDir = h.provider
	}
}

func withGuards(gm guard.Manager) harnessOption {
	return func(_ *mgrHarness, cfg *Config) {
		cfg.Guards = gm
	}
}

func newMgrHarness(t *testing.T, opts ...harnessOption) *mgrHarness {
	t.Helper()

	h := &mgrHarness{
		hops:  &fakeHops{},
		est:   newFakeEstimator(time.Minute, 2*time.Minute),
		clock: clock.NewTestClock(testTime),
		nd:    testnet.ConstructNetDir(),
		store: persist.NewMemStore(),

		flushTicker:      ticker.NewForce(time.Hour),
		testingTicker:    ticker.NewForce(time.Hour),
		expiryTicker:     ticker.NewForce(time.Hour),
		preemptiveTicker: ticker.NewForce(time.Hour),
	}

	cfg := Config{
		Hops:              h.hops,
		Estimator:         timeouts.NewHandle(h.est),
		Store:             h.store,
		Clock:             h.clock,
		FlushTicker:       h.flushTicker,
		NewTestingTicker:  h.newTestingTicker,
		ExpiryTicker:      h.expiryTicker,
		PreemptiveTicker:  h.preemptiveTicker,
		BackgroundLimiter: rate.NewLimiter(rate.Inf, 1),
		Rand:              rand.New(rand.NewSource(1)),
		Registerer:        prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	if h.provider != nil {
		require.NoError(t, h.provider.Start())
		t.Cleanup(func() {
			require.NoError(t, h.provider.Stop())
		})
		require.NoError(t, h.provider.SetNetDir(h.nd))
	}

	h.mgr = New(cfg)
	require.NoError(t, h.mgr.Start())
	t.Cleanup(func() {
		require.NoError(t, h.mgr.Stop())
	})

	return h
}

func (h *mgrHarness) newTestingTicker(d time.Duration) ticker.Ticker {
	h.testingMu.Lock()
	defer h.testingMu.Unlock()

	h.testingIntervals = append(h.testingIntervals, d)
	if len(h.testingIntervals) == 1 {
		return h.testingTicker
	}

	return ticker.NewForce(d)
}

func (h *mgrHarness) intervals() []time.Duration {
	h.testingMu.Lock()
	defer h.testingMu.Unlock()

	return append([]time.Duration(nil), h.testingIntervals...)
}

func (h *mgrHarness) getExit(ctx context.Context, iso StreamIsolation,
	ps ...uint16) (*Circuit, error) {

	return h.mgr.GetOrLaunchExit(ctx, h.nd, ports(ps...), iso)
}

// force delivers one tick.
func force(t *testing.T, f *ticker.Force) {
	t.Helper()

	select {
	case f.Force <- time.Now():
	case <-time.After(5 * time.Second):
		t.Fatalf("tick not consumed")
	}
}

// forceHandled delivers two ticks. A loop only takes the second after it
// handled the first.
func forceHandled(t *testing.T, f *ticker.Force) {
	t.Helper()

	force(t, f)
	force(t, f)
}

var noIso = NewStreamIsolation(NoIsolation(), NoIsolation())

// TestGetOrLaunchShared checks that concurrent requests for the same usage
// share one build and get the same circuit.
func TestGetOrLaunchShared(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.hops.gate = make(chan struct{})

	const numRequests = 5

	var (
		wg    sync.WaitGroup
		circs = make([]*Circuit, numRequests)
		errs  = make([]error, numRequests)
	)
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			circs[i], errs[i] = h.getExit(
				context.Background(), noIso, 443, 80,
			)
		}()
	}

	require.Eventually(t, func() bool {
		return h.hops.numLaunches() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the remaining requests time to join the build.
	time.Sleep(100 * time.Millisecond)
	close(h.hops.gate)
	wg.Wait()

	for i := 0; i < numRequests; i++ {
		require.NoError(t, errs[i])
		require.Same(t, circs[0], circs[i])
	}
	require.Equal(t, 1, h.hops.numLaunches())
	require.Equal(t, 1, h.mgr.NCircs())
	require.Equal(t, 3, circs[0].NHops())
	require.Equal(t, path.KindMultihop, circs[0].Kind())

	require.EqualValues(t, 1, testutil.ToFloat64(
		h.mgr.metrics.builds.WithLabelValues("exit", "success"),
	))
}

// TestGetOrLaunchReuse checks that open circuits are reused only by
// requests they support.
func TestGetOrLaunchReuse(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	ctx := context.Background()

	first, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)

	again, err := h.getExit(ctx, noIso, 443)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, h.hops.numLaunches())
	require.EqualValues(t, 1, testutil.ToFloat64(h.mgr.metrics.cacheHits))

	// Another isolation needs its own circuit.
	iso := NewStreamIsolation(NewIsolationToken(), NoIsolation())
	other, err := h.getExit(ctx, iso, 80)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), other.ID())
	require.Equal(t, 2, h.hops.numLaunches())

	// Directory requests never share exit circuits.
	dir, err := h.mgr.GetOrLaunchDir(ctx, path.FromNetDir(h.nd))
	require.NoError(t, err)
	require.Equal(t, path.KindOneHop, dir.Kind())
	require.Len(t, dir.Hops(), 1)
	require.Equal(t, 3, h.hops.numLaunches())

	// The hops of a circuit can not be changed through Hops.
	hops := dir.Hops()
	hops[0].Ed25519[0] ^= 0xff
	require.NotEqual(t, hops, dir.Hops())

	dirAgain, err := h.mgr.GetOrLaunchDir(ctx, path.FromNetDir(h.nd))
	require.NoError(t, err)
	require.Same(t, dir, dirAgain)

	// A closing circuit is not handed out again.
	dir.circ.(*fakeCirc).closing.Store(true)
	dirNew, err := h.mgr.GetOrLaunchDir(ctx, path.FromNetDir(h.nd))
	require.NoError(t, err)
	require.NotEqual(t, dir.ID(), dirNew.ID())
}

// TestGetOrLaunchFallbackDir checks directory circuits built through a
// fallback directory before any network view is known.
func TestGetOrLaunchFallbackDir(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	ctx := context.Background()

	desc := testnet.RelayDesc(3)
	set := fallback.NewSet(
		[]*fallback.Dir{fallback.NewDir(desc.IDs, desc.Addrs)},
		h.clock,
	)

	circ, err := h.mgr.GetOrLaunchDir(ctx, path.FromFallbacks(set))
	require.NoError(t, err)
	require.Equal(t, path.KindFallbackOneHop, circ.Kind())
	require.Equal(t, desc.IDs, circ.Hops()[0])
	require.Nil(t, h.hops.firstHops[0].circ)

	status, ok := set.StatusOf(desc.IDs)
	require.True(t, ok)
	require.Zero(t, status.Failures())

	// Exit circuits need a network view.
	_, err = h.mgr.GetOrLaunch(
		ctx, ExitUsage(ports(80), noIso), path.FromFallbacks(set),
	)
	require.ErrorIs(t, err, circerr.ErrNeedConsensus)
}

// TestGetOrLaunchNoExits checks that every caller of a failed launch gets its
// error and that nothing is built.
func TestGetOrLaunchNoExits(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.nd = testnet.ConstructCustomNetDir(
		func(_ int, desc *netdir.RelayDesc) {
			desc.IPv4Policy = netdir.NewRejectAllPolicy()
			desc.IPv6Policy = netdir.NewRejectAllPolicy()
		}, nil,
	)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, errs[i] = h.getExit(context.Background(), noIso, 80)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, circerr.ErrNoRelays)
	}
	require.Zero(t, h.hops.numLaunches())
	require.Zero(t, h.mgr.NCircs())
}

// TestBuildFailureReachesCaller checks that build errors are returned
// unchanged and nothing is cached.
func TestBuildFailureReachesCaller(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.hops.failFirst = errHopFailed

	_, err := h.getExit(context.Background(), noIso, 80)
	require.ErrorIs(t, err, errHopFailed)
	require.Zero(t, h.mgr.NCircs())

	require.EqualValues(t, 1, testutil.ToFloat64(
		h.mgr.metrics.builds.WithLabelValues("exit", "failure"),
	))
}

// TestDirtyCircuitsExpire checks that circuits are not handed out once they
// have been in use for too long.
func TestDirtyCircuitsExpire(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	ctx := context.Background()

	first, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)

	h.clock.SetTime(testTime.Add(5 * time.Minute))
	again, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)
	require.Same(t, first, again)

	// Dirtiness counts from the first use, not the last.
	maxDirtiness := torcfg.DefaultCircuitTiming().MaxDirtiness
	h.clock.SetTime(testTime.Add(maxDirtiness))
	forceHandled(t, h.expiryTicker)
	require.Zero(t, h.mgr.NCircs())
	require.EqualValues(t, 1, testutil.ToFloat64(h.mgr.metrics.expired))

	// Expired circuits belong to their users and stay open.
	require.False(t, first.IsClosing())

	fresh, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), fresh.ID())
}

// TestRetireCircuits checks that retired circuits are dropped, and closed
// only if nobody got them.
func TestRetireCircuits(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t, withNetDir())
	ctx := context.Background()

	used, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)

	h.mgr.RetireCircuit(used.ID())
	require.False(t, used.IsClosing())
	require.Zero(t, h.mgr.NCircs())

	// Retiring twice is harmless.
	h.mgr.RetireCircuit(used.ID())

	// Preemptive circuits were never handed out.
	require.NoError(t, h.mgr.launchPreemptiveCircuits())
	built := h.hops.builtCircs()
	require.Greater(t, len(built), 1)
	require.Equal(t, len(built)-1, h.mgr.NCircs())

	h.mgr.RetireAllCircuits()
	require.Zero(t, h.mgr.NCircs())
	for _, c := range built[1:] {
		require.True(t, c.terminated.Load())
	}
	require.False(t, built[0].terminated.Load())
}

// TestGuardUsable checks that a circuit is only handed out once its guard
// is usable.
func TestGuardUsable(t *testing.T) {
	t.Parallel()

	gm := &guard.MockManager{}
	gm.On("StorePersistentState").Return(nil)
	h := newMgrHarness(t, withGuards(gm))
	ctx := context.Background()

	g, ok := h.nd.ByID(testnet.IDs(25).Ed25519)
	require.True(t, ok)

	// A guard that turns out not to be usable.
	rec := &statusRecorder{}
	notUsable := guard.NewUsable()
	notUsable.Resolve(false)
	gm.On("SelectGuard", mock.Anything, h.nd).Return(
		guard.FirstHopFromRelay(g), rec.monitor(), notUsable, nil,
	).Once()

	_, err := h.getExit(ctx, noIso, 80)
	require.ErrorIs(t, err, circerr.ErrGuardNotUsable)
	require.Zero(t, h.mgr.NCircs())
	require.Equal(t, []guard.Status{guard.StatusSuccess}, rec.reported())

	built := h.hops.builtCircs()
	require.Len(t, built, 1)
	require.True(t, built[0].terminated.Load())

	// A primary guard is usable at once.
	gm.On("SelectGuard", mock.Anything, h.nd).Return(
		guard.FirstHopFromRelay(g), rec.monitor(), guard.UsableNow(),
		nil,
	).Once()

	circ, err := h.getExit(ctx, noIso, 80)
	require.NoError(t, err)
	require.Equal(t, g.IDs(), circ.Hops()[0])

	gm.AssertExpectations(t)
}

// TestPreemptiveCircuits checks that predicted circuits are built once and
// not again while they are open.
func TestPreemptiveCircuits(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t, withNetDir())

	require.NoError(t, h.mgr.launchPreemptiveCircuits())
	n := h.hops.numLaunches()
	require.GreaterOrEqual(
		t, n, torcfg.DefaultPreemptive().MinExitCircsForPort,
	)
	require.Equal(t, n, h.mgr.NCircs())

	require.NoError(t, h.mgr.launchPreemptiveCircuits())
	require.Equal(t, n, h.hops.numLaunches())

	// An exit request takes one of them.
	_, err := h.getExit(context.Background(), noIso, 443)
	require.NoError(t, err)
	require.Equal(t, n, h.hops.numLaunches())
}

// TestPreemptiveThreshold checks that nothing is built ahead of demand once
// enough circuits are open.
func TestPreemptiveThreshold(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t, withNetDir())
	h.mgr.cfg.Preemptive.DisableAtThreshold = 1

	_, err := h.getExit(context.Background(), noIso, 80)
	require.NoError(t, err)

	require.NoError(t, h.mgr.launchPreemptiveCircuits())
	require.Equal(t, 1, h.hops.numLaunches())
}

// TestTimeoutTestingCircuits checks that circuits are built to measure
// build times only while they are being learned.
func TestTimeoutTestingCircuits(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t, withNetDir())

	h.est.setLearning(false)
	forceHandled(t, h.testingTicker)
	require.Zero(t, h.hops.numLaunches())

	h.est.setLearning(true)
	force(t, h.testingTicker)
	require.Eventually(t, func() bool {
		return h.mgr.NCircs() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, testutil.ToFloat64(
		h.mgr.metrics.builds.WithLabelValues(
			"timeout_testing", "success",
		),
	))

	// No more testing circuits once enough are open.
	h.nd = testnet.ConstructCustomNetDir(nil, map[string]int32{
		"cbtmaxopencircs": 1,
	})
	require.NoError(t, h.provider.SetNetDir(h.nd))
	forceHandled(t, h.testingTicker)
	require.Equal(t, 1, h.hops.numLaunches())
}

// TestTimeoutTestingInterval checks that the timeout testing ticker follows
// the interval of the latest consensus.
func TestTimeoutTestingInterval(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t, withNetDir())

	require.Eventually(t, func() bool {
		return len(h.intervals()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 10*time.Second, h.intervals()[0])

	// A consensus that keeps the interval leaves the ticker alone.
	nd := testnet.ConstructCustomNetDir(nil, map[string]int32{
		"cbtmincircs": 5,
	})
	require.NoError(t, h.provider.SetNetDir(nd))
	require.Eventually(t, func() bool {
		return h.est.numParamUpdates() == 2
	}, 5*time.Second, 10*time.Millisecond)

	nd = testnet.ConstructCustomNetDir(nil, map[string]int32{
		"cbttestfreq": 30,
	})
	require.NoError(t, h.provider.SetNetDir(nd))
	require.Eventually(t, func() bool {
		return len(h.intervals()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 30*time.Second, h.intervals()[1])
	require.Len(t, h.intervals(), 2)

	// Parameters given directly count as well.
	h.mgr.UpdateNetworkParameters(netdir.NetParametersFromMap(
		map[string]int32{"cbttestfreq": 45},
	))
	require.Eventually(t, func() bool {
		return len(h.intervals()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 45*time.Second, h.intervals()[2])
}

// TestTimeoutTestingWithoutExits checks that a timeout testing circuit
// whose last hop exits nowhere is never handed to an exit request.
func TestTimeoutTestingWithoutExits(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.nd = testnet.ConstructCustomNetDir(
		func(_ int, desc *netdir.RelayDesc) {
			desc.Flags &^= netdir.FlagExit
			desc.IPv4Policy = netdir.NewRejectAllPolicy()
			desc.IPv6Policy = netdir.NewRejectAllPolicy()
		}, nil,
	)
	dir := path.FromNetDir(h.nd)

	circ, err := h.mgr.launch(
		context.Background(), TimeoutTestingUsage(), dir,
	)
	require.NoError(t, err)
	require.Equal(t, 1, h.mgr.NCircs())

	h.mgr.cache.mu.Lock()
	usage := h.mgr.cache.entries[circ.ID()].usage
	h.mgr.cache.mu.Unlock()
	require.Equal(t, "NoUsage", usage.String())

	_, err = h.mgr.GetOrLaunch(
		context.Background(), ExitUsage(nil, noIso), dir,
	)
	require.ErrorIs(t, err, circerr.ErrNoRelays)
	require.Equal(t, 1, h.hops.numLaunches())

	// It still counts as a circuit for timeout testing.
	got, ok := h.mgr.cache.takeSupported(
		TimeoutTestingUsage(), h.clock.Now(),
	)
	require.True(t, ok)
	require.Equal(t, circ.ID(), got.ID())
}

// TestUpdateNetworkParameters checks that new consensus parameters reach
// the estimator and the guard manager.
func TestUpdateNetworkParameters(t *testing.T) {
	t.Parallel()

	gm := &guard.MockManager{}
	gm.On("UpdateNetParameters", mock.Anything).Return()
	gm.On("StorePersistentState").Return(nil)

	h := newMgrHarness(t, withNetDir(), withGuards(gm))

	// The view known at startup is applied right away.
	require.Equal(t, 1, h.est.numParamUpdates())

	nd := testnet.ConstructCustomNetDir(nil, map[string]int32{
		"cbtmincircs": 5,
	})
	require.NoError(t, h.provider.SetNetDir(nd))

	require.Eventually(t, func() bool {
		return h.est.numParamUpdates() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Descriptor updates change no parameters.
	require.NoError(t, h.provider.NoteNewDescriptors())

	h.est.mu.Lock()
	require.EqualValues(t, 5, h.est.params[1].CbtMinCircs)
	h.est.mu.Unlock()

	require.NoError(t, h.mgr.Stop())
	require.Equal(t, 2, h.est.numParamUpdates())
	gm.AssertNumberOfCalls(t, "UpdateNetParameters", 2)
	gm.AssertCalled(t, "StorePersistentState")
}

// TestFlushState checks that learned timeouts are saved to a writable store
// and reread from a read-only one.
func TestFlushState(t *testing.T) {
	t.Parallel()

	store := persist.NewMemStore()
	handle, err := timeouts.FromStorage(store)
	require.NoError(t, err)

	h := newMgrHarness(t, func(_ *mgrHarness, cfg *Config) {
		cfg.Store = store
		cfg.Estimator = handle
	})

	for i := 0; i < 10; i++ {
		handle.NoteHopCompleted(2, 500*time.Millisecond, true)
	}
	forceHandled(t, h.flushTicker)

	saved, err := store.Load(timeouts.StoreKey)
	require.NoError(t, err)
	require.True(t, saved.IsSome())

	// A second client sharing the state read-only.
	gm := &guard.MockManager{}
	gm.On("ReloadPersistentState").Return(nil)

	ro := store.ReadOnlyView()
	roHandle, err := timeouts.FromStorage(ro)
	require.NoError(t, err)
	require.True(t, roHandle.IsReadOnly())

	roMgr := New(Config{
		Hops:      &fakeHops{},
		Guards:    gm,
		Estimator: roHandle,
		Store:     ro,
		Clock:     h.clock,
	})
	require.NoError(t, roMgr.flush())
	require.True(t, roHandle.IsReadOnly())
	gm.AssertCalled(t, "ReloadPersistentState")
}

// TestFlushTakesOverState checks that a client that started while another
// one owned the state follows the saved timeouts, and starts learning and
// saving them itself once the owner is gone.
func TestFlushTakesOverState(t *testing.T) {
	t.Parallel()

	cfg := &persist.BoltConfig{
		Dir:         t.TempDir(),
		DBTimeout:   5 * time.Second,
		LockTimeout: 100 * time.Millisecond,
	}

	owner, err := persist.OpenBoltStore(cfg)
	require.NoError(t, err)
	ownerHandle, err := timeouts.FromStorage(owner)
	require.NoError(t, err)
	require.False(t, ownerHandle.IsReadOnly())

	for i := 0; i < 10; i++ {
		ownerHandle.NoteHopCompleted(2, 500*time.Millisecond, true)
	}
	require.NoError(t, ownerHandle.SaveState(owner))

	second, err := persist.OpenBoltStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, second.Close())
	})
	require.False(t, second.CanStore())

	handle, err := timeouts.FromStorage(second)
	require.NoError(t, err)
	require.True(t, handle.IsReadOnly())

	mgr := New(Config{
		Hops:      &fakeHops{},
		Estimator: handle,
		Store:     second,
		Clock:     clock.NewTestClock(testTime),
	})

	// While the owner runs, the state is only reread.
	require.NoError(t, mgr.flush())
	require.True(t, handle.IsReadOnly())
	require.False(t, second.CanStore())

	require.NoError(t, owner.Close())

	require.NoError(t, mgr.flush())
	require.True(t, second.CanStore())
	require.False(t, handle.IsReadOnly())

	// The new owner saves what it learns.
	for i := 0; i < 5; i++ {
		handle.NoteHopCompleted(2, 700*time.Millisecond, true)
	}
	require.NoError(t, mgr.flush())

	saved, err := second.Load(timeouts.StoreKey)
	require.NoError(t, err)
	state, err := timeouts.DecodeState(saved.UnwrapOr(nil))
	require.NoError(t, err)
	require.Equal(t, 15, state.NumSamples())
}

// TestStopCancelsRequests checks that waiting requests return when the
// manager stops.
func TestStopCancelsRequests(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.hops.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := h.getExit(context.Background(), noIso, 80)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		return h.hops.numLaunches() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.Stop())

	select {
	case err := <-errc:
		require.True(t,
			errors.Is(err, circerr.ErrRequestCancelled) ||
				errors.Is(err, context.Canceled),
			"unexpected error %v", err,
		)

	case <-time.After(5 * time.Second):
		t.Fatalf("request not cancelled")
	}
}

// TestRequestTimeout checks that a request gives up after the request
// timeout.
func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	h := newMgrHarness(t)
	h.mgr.cfg.Timing.RequestTimeout = 50 * time.Millisecond
	h.hops.gate = make(chan struct{})
	defer close(h.hops.gate)

	_, err := h.getExit(context.Background(), noIso, 80)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
