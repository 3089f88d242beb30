package chanmgr

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/netdir/testnet"
	"github.com/lightningnetwork/torcirc/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var testTime = time.Unix(1700000000, 0)

// fakeChannel is a proto.Channel that records what is done to it.
type fakeChannel struct {
	target *linkspec.OwnedChanTarget

	mu          sync.Mutex
	closing     bool
	closed      bool
	unusedSince fn.Option[time.Time]
	padding     []proto.PaddingParams
	mismatch    error
}

var _ proto.Channel = (*fakeChannel)(nil)

func (f *fakeChannel) Target() *linkspec.OwnedChanTarget {
	return f.target
}

func (f *fakeChannel) CheckMatch(linkspec.ChanTarget) error {
	return f.mismatch
}

func (f *fakeChannel) IsClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closing
}

func (f *fakeChannel) UnusedSince() fn.Option[time.Time] {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.unusedSince
}

func (f *fakeChannel) Reparameterize(p proto.PaddingParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.padding = append(f.padding, p)

	return nil
}

func (f *fakeChannel) lastPadding() proto.PaddingParams {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.padding[len(f.padding)-1]
}

func (f *fakeChannel) NewCirc(context.Context) (proto.PendingCirc, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closing, f.closed = true, true

	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// fakeFactory counts launches. If gate is set, launches block until it is
// closed. Launches fail while failNext is positive.
type fakeFactory struct {
	launches atomic.Int32
	failNext atomic.Int32
	gate     chan struct{}

	mismatch error
}

func (f *fakeFactory) BuildChannel(ctx context.Context,
	target *linkspec.OwnedChanTarget) (proto.Channel, error) {

	f.launches.Add(1)

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.failNext.Add(-1) >= 0 {
		return nil, &ConnectError{
			Addr: target.Addrs()[0],
			Err:  errors.New("connection refused"),
		}
	}

	return &fakeChannel{target: target, mismatch: f.mismatch}, nil
}

func newTestMgr(t *testing.T, factory ChannelFactory,
	clk clock.Clock) *ChanMgr {

	t.Helper()

	m := New(Config{
		Factory:      factory,
		Clock:        clk,
		ExpiryTicker: ticker.NewForce(time.Hour),
		Registerer:   prometheus.NewRegistry(),
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})

	return m
}

func target(idx int) *linkspec.OwnedChanTarget {
	addr := netip.AddrPortFrom(
		netip.AddrFrom4([4]byte{10, 0, 0, byte(idx)}), 9001,
	)

	return linkspec.NewOwnedChanTarget(
		[]netip.AddrPort{addr}, testnet.IDs(idx),
	)
}

type launchResult struct {
	ch   proto.Channel
	prov Provenance
	err  error
}

func launchN(m *ChanMgr, n int, tgt linkspec.ChanTarget) chan launchResult {
	results := make(chan launchResult, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx := context.Background()
			ch, prov, err := m.GetOrLaunch(ctx, tgt)
			results <- launchResult{ch, prov, err}
		}()
	}

	return results
}

func waitLaunches(t *testing.T, f *fakeFactory, n int32) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.launches.Load() >= n
	}, testTimeout, time.Millisecond)
}

// TestGetOrLaunchSingleFlight checks that concurrent requests for one relay
// share a single launch, and that later requests reuse the channel.
func TestGetOrLaunchSingleFlight(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{gate: make(chan struct{})}
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	const n = 10
	results := launchN(m, n, target(1))

	waitLaunches(t, f, 1)
	close(f.gate)

	var first proto.Channel
	for i := 0; i < n; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, NewlyCreated, res.prov)

		if first == nil {
			first = res.ch
		}
		require.Same(t, first, res.ch)
	}
	require.EqualValues(t, 1, f.launches.Load())

	ch, prov, err := m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)
	require.Equal(t, Preexisting, prov)
	require.Same(t, first, ch)

	// A different relay gets its own channel.
	ch, prov, err = m.GetOrLaunch(context.Background(), target(2))
	require.NoError(t, err)
	require.Equal(t, NewlyCreated, prov)
	require.NotSame(t, first, ch)
	require.EqualValues(t, 2, f.launches.Load())
	require.Equal(t, 2, m.NumChannels())
}

// TestGetOrLaunchFailureShared checks that every waiter sees the same
// failure and that the failure is not cached.
func TestGetOrLaunchFailureShared(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{gate: make(chan struct{})}
	f.failNext.Store(1)
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	const n = 5
	results := launchN(m, n, target(1))
	waitLaunches(t, f, 1)
	close(f.gate)

	var firstErr error
	for i := 0; i < n; i++ {
		res := <-results

		var connErr *ConnectError
		require.ErrorAs(t, res.err, &connErr)
		if firstErr == nil {
			firstErr = res.err
		}
		require.Same(t, firstErr, res.err)
	}
	require.EqualValues(t, 1, f.launches.Load())
	require.Zero(t, m.NumChannels())

	// The next request launches afresh.
	_, prov, err := m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)
	require.Equal(t, NewlyCreated, prov)
	require.EqualValues(t, 2, f.launches.Load())
}

// TestGetOrLaunchCallerCancel checks that the first caller giving up does
// not fail the launch for others.
func TestGetOrLaunchCallerCancel(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{gate: make(chan struct{})}
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := m.GetOrLaunch(ctx, target(1))
		errs <- err
	}()
	waitLaunches(t, f, 1)

	results := launchN(m, 1, target(1))

	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	close(f.gate)
	res := <-results
	require.NoError(t, res.err)
	require.EqualValues(t, 1, f.launches.Load())
}

// TestGetOrLaunchIdentityMismatch checks that a relay failing to prove an
// identity is reported as such.
func TestGetOrLaunchIdentityMismatch(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{mismatch: errors.New("rsa identity differs")}
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	_, _, err := m.GetOrLaunch(context.Background(), target(1))
	require.ErrorIs(t, err, ErrIdentityMismatch)

	var mismatch *IdentityMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, testnet.IDs(1), mismatch.Expected)
}

// TestClosingChannelReplaced checks that a closing channel is not handed
// out again.
func TestClosingChannelReplaced(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	ch, _, err := m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	ch2, prov, err := m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)
	require.Equal(t, NewlyCreated, prov)
	require.NotSame(t, ch, ch2)
	require.EqualValues(t, 2, f.launches.Load())
}

// TestExpireChannels checks that idle channels are closed once they exceed
// the idle limit and that busy channels are kept.
func TestExpireChannels(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	f := &fakeFactory{}
	m := newTestMgr(t, f, clk)

	get := func(idx int) *fakeChannel {
		ch, _, err := m.GetOrLaunch(context.Background(), target(idx))
		require.NoError(t, err)

		return ch.(*fakeChannel)
	}

	busy := get(1)
	idleOld := get(2)
	idleNew := get(3)

	idleOld.unusedSince = fn.Some(testTime.Add(-DefaultMaxUnused))
	idleNew.unusedSince = fn.Some(testTime.Add(-time.Minute))

	next := m.ExpireChannels()
	require.Equal(t, DefaultMaxUnused-time.Minute, next)

	require.True(t, idleOld.isClosed())
	require.False(t, idleNew.isClosed())
	require.False(t, busy.isClosed())
	require.Equal(t, 2, m.NumChannels())

	// Once time passes, the ticker driven loop closes the other one.
	clk.SetTime(testTime.Add(DefaultMaxUnused))
	m.cfg.ExpiryTicker.(*ticker.Force).Force <- clk.Now()

	require.Eventually(t, idleNew.isClosed, testTimeout, time.Millisecond)
	require.Eventually(t, func() bool {
		return m.NumChannels() == 1
	}, testTimeout, time.Millisecond)
}

// TestPaddingUpdatedOnConsensus checks that a new consensus reconfigures
// open channels without closing them.
func TestPaddingUpdatedOnConsensus(t *testing.T) {
	t.Parallel()

	provider := netdir.NewMutableProvider()
	require.NoError(t, provider.Start())
	t.Cleanup(func() {
		require.NoError(t, provider.Stop())
	})

	f := &fakeFactory{}
	m := New(Config{
		Factory:      f,
		Clock:        clock.NewTestClock(testTime),
		ExpiryTicker: ticker.NewForce(time.Hour),
		NetDir:       provider,
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})

	ch, _, err := m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)
	fc := ch.(*fakeChannel)

	def := netdir.DefaultNetParameters()
	require.Equal(t, proto.PaddingParams{
		Enabled: true,
		Low:     time.Duration(def.NfItoLow) * time.Millisecond,
		High:    time.Duration(def.NfItoHigh) * time.Millisecond,
	}, fc.lastPadding())

	nd := testnet.ConstructCustomNetDir(nil, map[string]int32{
		"nf_ito_low":  2000,
		"nf_ito_high": 4000,
	})
	require.NoError(t, provider.SetNetDir(nd))

	want := proto.PaddingParams{
		Enabled: true,
		Low:     2 * time.Second,
		High:    4 * time.Second,
	}
	require.Eventually(t, func() bool {
		return fc.lastPadding() == want
	}, testTimeout, time.Millisecond)
	require.False(t, fc.isClosed())
}

// TestPaddingParamsFor checks how padding parameters are derived.
func TestPaddingParamsFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params map[string]int32
		level  PaddingLevel
		want   proto.PaddingParams
	}{{
		name:   "normal",
		params: map[string]int32{"nf_ito_low": 100, "nf_ito_high": 200},
		level:  PaddingNormal,
		want: proto.PaddingParams{
			Enabled: true,
			Low:     100 * time.Millisecond,
			High:    200 * time.Millisecond,
		},
	}, {
		name: "reduced",
		params: map[string]int32{
			"nf_ito_low_reduced":  300,
			"nf_ito_high_reduced": 400,
		},
		level: PaddingReduced,
		want: proto.PaddingParams{
			Enabled: true,
			Low:     300 * time.Millisecond,
			High:    400 * time.Millisecond,
		},
	}, {
		name:   "none",
		params: nil,
		level:  PaddingNone,
		want:   proto.PaddingParams{},
	}, {
		name:   "disabled by consensus",
		params: map[string]int32{"nf_ito_low": 0, "nf_ito_high": 0},
		level:  PaddingNormal,
		want:   proto.PaddingParams{},
	}, {
		name:   "inverted bounds",
		params: map[string]int32{"nf_ito_low": 500, "nf_ito_high": 100},
		level:  PaddingNormal,
		want: proto.PaddingParams{
			Enabled: true,
			Low:     1500 * time.Millisecond,
			High:    9500 * time.Millisecond,
		},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := netdir.NetParametersFromMap(tc.params)
			require.Equal(t, tc.want, PaddingParamsFor(p, tc.level))
		})
	}

	for _, level := range []PaddingLevel{
		PaddingNormal, PaddingReduced, PaddingNone,
	} {
		parsed, err := ParsePaddingLevel(level.String())
		require.NoError(t, err)
		require.Equal(t, level, parsed)
	}
	_, err := ParsePaddingLevel("lots")
	require.Error(t, err)
}

// TestBootstrapEvents checks that connection status changes are published.
func TestBootstrapEvents(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	f.failNext.Store(1)
	m := newTestMgr(t, f, clock.NewTestClock(testTime))

	events, err := m.BootstrapEvents()
	require.NoError(t, err)
	defer events.Cancel()

	next := func() ConnStatus {
		select {
		case s := <-events.Updates():
			return s
		case <-time.After(testTimeout):
			t.Fatalf("no status update")
			return ConnStatus{}
		}
	}

	_, _, err = m.GetOrLaunch(context.Background(), target(1))
	require.Error(t, err)

	s := next()
	require.Equal(t, fn.Some(false), s.Online)
	require.True(t, s.TLSWorks.IsNone())
	require.NotEmpty(t, s.Blockage())

	_, _, err = m.GetOrLaunch(context.Background(), target(1))
	require.NoError(t, err)

	s = next()
	require.True(t, s.Usable())
	require.Empty(t, s.Blockage())
	require.Equal(t, s, m.ConnStatus())
}

// TestStatusTracker checks how launch outcomes fold into the status.
func TestStatusTracker(t *testing.T) {
	t.Parallel()

	var s statusTracker

	connErr := fmt.Errorf("dial: %w", &ConnectError{})
	st, changed := s.noteOutcome(connErr)
	require.True(t, changed)
	require.Equal(t, fn.Some(false), st.Online)
	require.Zero(t, st.Frac())

	_, changed = s.noteOutcome(connErr)
	require.False(t, changed)

	st, _ = s.noteOutcome(&TLSError{})
	require.Equal(t, fn.Some(true), st.Online)
	require.Equal(t, fn.Some(false), st.TLSWorks)
	require.Equal(t, 0.5, st.Frac())

	st, _ = s.noteOutcome(nil)
	require.True(t, st.Usable())

	// A later connection failure does not make us offline again.
	st, changed = s.noteOutcome(connErr)
	require.False(t, changed)
	require.True(t, st.Usable())
}

// TestStopFailsWaiters checks that stopping aborts launches in flight.
func TestStopFailsWaiters(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{gate: make(chan struct{})}
	m := New(Config{
		Factory:      f,
		Clock:        clock.NewTestClock(testTime),
		ExpiryTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, m.Start())

	results := launchN(m, 1, target(1))
	waitLaunches(t, f, 1)

	require.NoError(t, m.Stop())
	res := <-results
	require.Error(t, res.err)

	_, _, err := m.GetOrLaunch(context.Background(), target(2))
	require.ErrorIs(t, err, ErrChanMgrShuttingDown)
}
