// Package chanmgr keeps at most one open channel per relay. Callers ask for
// a channel to a relay; they get the existing one if there is one, share the
// outcome of a launch already in flight, or cause a new launch.
package chanmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/proto"
	"github.com/lightningnetwork/torcirc/subscribe"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMaxUnused is how long a channel may carry no circuits
	// before it is closed.
	DefaultMaxUnused = 180 * time.Second

	// DefaultExpiryInterval is how often idle channels are looked for.
	DefaultExpiryInterval = 30 * time.Second
)

// Provenance tells a caller whether the channel it got was already open.
type Provenance uint8

const (
	// NewlyCreated means the channel was opened for this request, or for
	// a concurrent request for the same relay.
	NewlyCreated Provenance = iota

	// Preexisting means the channel was already open.
	Preexisting
)

// String returns the name of the provenance.
func (p Provenance) String() string {
	if p == Preexisting {
		return "Preexisting"
	}

	return "NewlyCreated"
}

// ChannelFactory opens channels.
type ChannelFactory interface {
	// BuildChannel connects to target and performs the link handshake.
	BuildChannel(ctx context.Context,
		target *linkspec.OwnedChanTarget) (proto.Channel, error)
}

// Config holds the dependencies of a ChanMgr.
type Config struct {
	// Factory opens new channels.
	Factory ChannelFactory

	// Clock is the time source used to decide which channels are idle.
	Clock clock.Clock

	// ExpiryTicker drives the idle channel check.
	ExpiryTicker ticker.Ticker

	// MaxUnused is how long a channel may carry no circuits before it is
	// closed.
	MaxUnused time.Duration

	// Padding is the configured link padding level.
	Padding PaddingLevel

	// NetDir, if set, is watched for new consensus parameters.
	NetDir netdir.Provider

	// Registerer, if set, receives the channel metrics.
	Registerer prometheus.Registerer
}

// pendingLaunch is shared by every caller waiting for one launch.
type pendingLaunch struct {
	done chan struct{}
	ch   proto.Channel
	err  error
}

// chanEntry is either an open channel or a launch in flight.
type chanEntry struct {
	ch      proto.Channel
	pending *pendingLaunch
}

// ChanMgr keeps one channel per relay, keyed by Ed25519 identity.
type ChanMgr struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu       sync.Mutex
	channels map[linkspec.Ed25519Identity]*chanEntry
	padding  proto.PaddingParams

	status    statusTracker
	bootstrap *subscribe.Server[ConnStatus]

	launches *fn.GoroutineManager
	metrics  *metrics

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a channel manager. Start must be called before its background
// tasks run, but GetOrLaunch works without them.
func New(cfg Config) *ChanMgr {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxUnused == 0 {
		cfg.MaxUnused = DefaultMaxUnused
	}
	if cfg.ExpiryTicker == nil {
		cfg.ExpiryTicker = ticker.New(DefaultExpiryInterval)
	}

	m := &ChanMgr{
		cfg:       cfg,
		channels:  make(map[linkspec.Ed25519Identity]*chanEntry),
		padding: PaddingParamsFor(
			netdir.DefaultNetParameters(), cfg.Padding,
		),
		bootstrap: subscribe.NewServer[ConnStatus](),
		launches:  fn.NewGoroutineManager(),
		quit:      make(chan struct{}),
	}
	m.metrics = newMetrics(m, cfg.Registerer)

	return m
}

// Start launches the idle channel expiry task and, if a network view
// provider is configured, the padding update task.
func (m *ChanMgr) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Channel manager starting")

	if err := m.bootstrap.Start(); err != nil {
		return err
	}

	var dirEvents *subscribe.Client[netdir.DirEvent]
	if m.cfg.NetDir != nil {
		var err error
		dirEvents, err = m.cfg.NetDir.Events()
		if err != nil {
			return err
		}
	}

	m.cfg.ExpiryTicker.Resume()

	m.wg.Add(1)
	go m.expiryLoop()

	if dirEvents != nil {
		m.wg.Add(1)
		go m.netDirLoop(dirEvents)
	}

	return nil
}

// Stop stops the background tasks and aborts launches in flight. Open
// channels are left to their owners.
func (m *ChanMgr) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Channel manager shutting down...")
	defer log.Debug("Channel manager shutdown complete")

	close(m.quit)
	m.launches.Stop()
	m.wg.Wait()

	m.cfg.ExpiryTicker.Stop()

	return m.bootstrap.Stop()
}

// GetOrLaunch returns a channel to target. An open channel is reused, a
// launch in flight is waited for, and otherwise a new channel is launched.
// The channel is then checked against every identity of target.
//
// Failed launches are not remembered: the next caller tries again.
func (m *ChanMgr) GetOrLaunch(ctx context.Context,
	target linkspec.ChanTarget) (proto.Channel, Provenance, error) {

	ch, prov, err := m.getOrLaunch(ctx, target)
	if err != nil {
		return nil, prov, err
	}

	if err := ch.CheckMatch(target); err != nil {
		return nil, prov, &IdentityMismatchError{
			Expected: target.IDs(),
			Err:      err,
		}
	}

	return ch, prov, nil
}

func (m *ChanMgr) getOrLaunch(ctx context.Context,
	target linkspec.ChanTarget) (proto.Channel, Provenance, error) {

	id := target.IDs().Ed25519

	m.mu.Lock()
	entry, ok := m.channels[id]
	switch {
	case ok && entry.ch != nil && !entry.ch.IsClosing():
		m.mu.Unlock()
		m.metrics.reused.Inc()

		return entry.ch, Preexisting, nil

	case ok && entry.pending != nil:
		m.mu.Unlock()
		log.Tracef("Waiting for pending channel to %v", id)

		return m.wait(ctx, entry.pending)
	}

	// Either there is no entry or its channel is closing. A closing
	// channel is replaced by the launch.
	pending := &pendingLaunch{done: make(chan struct{})}
	m.channels[id] = &chanEntry{pending: pending}
	m.mu.Unlock()

	owned := linkspec.OwnedChanTargetFrom(target)

	// The launch runs on its own goroutine so that the first caller
	// giving up does not fail the others waiting on it.
	launched := m.launches.Go(
		context.Background(), func(ctx context.Context) {
			m.launch(ctx, owned, pending)
		},
	)
	if !launched {
		m.finishLaunch(id, pending, nil, ErrChanMgrShuttingDown)
	}

	return m.wait(ctx, pending)
}

// wait blocks until pending resolves, ctx is done or the manager stops.
func (m *ChanMgr) wait(ctx context.Context,
	pending *pendingLaunch) (proto.Channel, Provenance, error) {

	select {
	case <-pending.done:
		return pending.ch, NewlyCreated, pending.err

	case <-ctx.Done():
		return nil, NewlyCreated, ctx.Err()

	case <-m.quit:
		return nil, NewlyCreated, ErrChanMgrShuttingDown
	}
}

// launch opens a channel and resolves pending with the outcome.
func (m *ChanMgr) launch(ctx context.Context, target *linkspec.OwnedChanTarget,
	pending *pendingLaunch) {

	id := target.IDs().Ed25519
	start := m.cfg.Clock.Now()

	log.DebugS(ctx, "Launching channel",
		"target", target, "ed25519_id", id)

	ch, err := m.cfg.Factory.BuildChannel(ctx, target)
	if err == nil {
		m.mu.Lock()
		padding := m.padding
		m.mu.Unlock()

		if perr := ch.Reparameterize(padding); perr != nil {
			log.WarnS(ctx, "Unable to set padding on new channel",
				perr, "target", target)
		}
	}

	m.metrics.noteLaunch(err, m.cfg.Clock.Now().Sub(start))

	if status, changed := m.status.noteOutcome(err); changed {
		log.InfoS(ctx, "Connection status changed",
			"status", status.String())

		if serr := m.bootstrap.SendUpdate(status); serr != nil {
			log.Debugf("Unable to send bootstrap update: %v", serr)
		}
	}

	if err != nil {
		log.DebugS(ctx, "Channel launch failed", "target", target,
			"err", err)
	}

	m.finishLaunch(id, pending, ch, err)
}

// finishLaunch installs the outcome of a launch and wakes its waiters.
func (m *ChanMgr) finishLaunch(id linkspec.Ed25519Identity,
	pending *pendingLaunch, ch proto.Channel, err error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	// The entry is only ours to replace if it still holds our launch.
	if entry, ok := m.channels[id]; ok && entry.pending == pending {
		if err != nil {
			delete(m.channels, id)
		} else {
			m.channels[id] = &chanEntry{ch: ch}
		}
	}

	pending.ch, pending.err = ch, err
	close(pending.done)
}

// ExpireChannels closes every channel that has been idle for longer than
// MaxUnused and forgets closing channels. It returns how long until the next
// open channel could expire.
func (m *ChanMgr) ExpireChannels() time.Duration {
	now := m.cfg.Clock.Now()
	next := m.cfg.MaxUnused

	var expired []proto.Channel

	m.mu.Lock()
	for id, entry := range m.channels {
		if entry.ch == nil {
			continue
		}

		if entry.ch.IsClosing() {
			delete(m.channels, id)
			continue
		}

		entry.ch.UnusedSince().WhenSome(func(since time.Time) {
			idle := now.Sub(since)
			if idle >= m.cfg.MaxUnused {
				expired = append(expired, entry.ch)
				delete(m.channels, id)

				return
			}

			if left := m.cfg.MaxUnused - idle; left < next {
				next = left
			}
		})
	}
	m.mu.Unlock()

	for _, ch := range expired {
		log.Debugf("Closing idle channel to %v", ch.Target())

		if err := ch.Close(); err != nil {
			log.Warnf("Unable to close channel to %v: %v",
				ch.Target(), err)
		}
	}
	m.metrics.expired.Add(float64(len(expired)))

	return next
}

// NumChannels returns the number of open channels.
func (m *ChanMgr) NumChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, entry := range m.channels {
		if entry.ch != nil {
			n++
		}
	}

	return n
}

// BootstrapEvents subscribes to changes of the connection status.
func (m *ChanMgr) BootstrapEvents() (*subscribe.Client[ConnStatus], error) {
	return m.bootstrap.Subscribe()
}

// ConnStatus returns the current connection status.
func (m *ChanMgr) ConnStatus() ConnStatus {
	return m.status.current()
}

// UpdatePadding applies new padding parameters to every open channel and
// to channels opened later. Channels are never torn down for this.
func (m *ChanMgr) UpdatePadding(params proto.PaddingParams) {
	m.mu.Lock()
	m.padding = params
	chans := make([]proto.Channel, 0, len(m.channels))
	for _, entry := range m.channels {
		if entry.ch != nil && !entry.ch.IsClosing() {
			chans = append(chans, entry.ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range chans {
		if err := ch.Reparameterize(params); err != nil {
			log.Warnf("Unable to update padding of channel to "+
				"%v: %v", ch.Target(), err)
		}
	}
}

// expiryLoop closes idle channels on every tick of the expiry ticker.
//
// NOTE: This MUST be run as a goroutine.
func (m *ChanMgr) expiryLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.ExpiryTicker.Ticks():
			next := m.ExpireChannels()
			log.Tracef("Next channel may expire in %v", next)

		case <-m.quit:
			return
		}
	}
}

// netDirLoop reapplies padding parameters whenever a new consensus arrives.
//
// NOTE: This MUST be run as a goroutine.
func (m *ChanMgr) netDirLoop(events *subscribe.Client[netdir.DirEvent]) {
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
					m.UpdatePadding(PaddingParamsFor(
						nd.Params(), m.cfg.Padding,
					))
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
