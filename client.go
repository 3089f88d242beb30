// Package torcirc ties the channel manager, the circuit manager and their
// persistent state together into a circuit client.
package torcirc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/torcirc/chanmgr"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/persist"
	"github.com/lightningnetwork/torcirc/proto"
	"github.com/lightningnetwork/torcirc/subscribe"
	"github.com/prometheus/client_golang/prometheus"
)

// ClientConfig holds the dependencies of a Client.
type ClientConfig struct {
	// Cfg is the validated client configuration.
	Cfg *Config

	// Handshaker runs the link protocol on new connections to relays.
	Handshaker proto.Handshaker

	// NetDir provides the network view. If nil, the client keeps its own
	// MutableProvider, reachable through NetDir.
	NetDir netdir.Provider

	// Guards, if set, picks the first hop of every multi-hop circuit.
	Guards guard.Manager

	// Store, if set, is used instead of the bolt database in the
	// configured state directory.
	Store persist.Store

	// Clock is the time source. The wall clock is used if nil.
	Clock clock.Clock

	// Registerer, if set, receives the channel and circuit metrics.
	Registerer prometheus.Registerer
}

// Client builds circuits on behalf of the application: one-hop directory
// circuits to fallbacks or directory caches, and multi-hop exit circuits.
type Client struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg ClientConfig

	store   persist.Store
	kvStore *persist.KVStore

	ownNetDir *netdir.MutableProvider
	netDir    netdir.Provider

	padding   chanmgr.PaddingLevel
	fallbacks *fallback.Set
	chanMgr   *chanmgr.ChanMgr
	circMgr   *circmgr.CircMgr
}

// NewClient opens the client's state and wires up its managers. Start must
// be called before the background tasks run.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Cfg == nil {
		return nil, errors.New("client config required")
	}
	if cfg.Handshaker == nil {
		return nil, errors.New("link handshaker required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	c := &Client{
		cfg:    cfg,
		store:  cfg.Store,
		netDir: cfg.NetDir,
	}

	if c.store == nil {
		kv, err := persist.OpenBoltStore(&persist.BoltConfig{
			Dir:       cfg.Cfg.Storage.StateDir,
			ReadOnly:  cfg.Cfg.Storage.ReadOnly,
			DBTimeout: cfg.Cfg.Storage.DBTimeout,
		})
		if err != nil {
			return nil, err
		}
		c.kvStore = kv
		c.store = kv
	}

	if c.netDir == nil {
		c.ownNetDir = netdir.NewMutableProvider()
		c.netDir = c.ownNetDir
	}

	if err := c.wire(); err != nil {
		_ = c.closeStore()
		return nil, err
	}

	return c, nil
}

// wire creates the managers on top of the opened store.
func (c *Client) wire() error {
	cfg := c.cfg.Cfg

	padding, err := chanmgr.ParsePaddingLevel(cfg.Channels.Padding)
	if err != nil {
		return err
	}
	c.padding = padding

	c.fallbacks = fallback.NewSet(cfg.Fallbacks(), c.cfg.Clock)
	if err := c.fallbacks.LoadStatus(c.store); err != nil {
		return fmt.Errorf("unable to load fallback status: %w", err)
	}

	estimator, err := timeouts.FromStorage(c.store)
	if err != nil {
		return fmt.Errorf("unable to load circuit timeouts: %w", err)
	}

	c.chanMgr = chanmgr.New(chanmgr.Config{
		Factory: chanmgr.NewChanBuilder(chanmgr.ChanBuilderConfig{
			Net:            chanmgr.NewDialer(cfg.Channels.SOCKS),
			Handshaker:     c.cfg.Handshaker,
			ConnectTimeout: cfg.Channels.ConnectTimeout,
		}),
		Clock:      c.cfg.Clock,
		MaxUnused:  cfg.Channels.MaxUnused,
		Padding:    padding,
		NetDir:     c.netDir,
		Registerer: c.cfg.Registerer,
	})

	c.circMgr = circmgr.New(circmgr.Config{
		Hops:      circmgr.NewChannelHopBuilder(c.chanMgr),
		Guards:    c.cfg.Guards,
		Estimator: estimator,
		Store:     c.store,
		NetDir:    c.netDir,
		Clock:     c.cfg.Clock,
		Path: &path.Config{
			Subnets: cfg.Path.SubnetConfig(),
		},
		Timing:     cfg.Circuits,
		Preemptive: cfg.Preemptive,
		Registerer: c.cfg.Registerer,
	})

	return nil
}

// Start starts the network view events, the channel manager and the
// circuit manager.
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Circuit client starting with %d fallback(s)",
		c.fallbacks.Len())

	if c.ownNetDir != nil {
		if err := c.ownNetDir.Start(); err != nil {
			return err
		}
	}
	if err := c.chanMgr.Start(); err != nil {
		return err
	}

	return c.circMgr.Start()
}

// Stop stops the managers, saves the fallback health and closes the state
// store.
func (c *Client) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Circuit client shutting down...")
	defer log.Debug("Circuit client shutdown complete")

	var errs []error
	if err := c.circMgr.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.chanMgr.Stop(); err != nil {
		errs = append(errs, err)
	}

	if c.store.CanStore() {
		if err := c.fallbacks.SaveStatus(c.store); err != nil {
			errs = append(errs, err)
		}
	}

	if c.ownNetDir != nil {
		if err := c.ownNetDir.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	if c.kvStore == nil {
		return nil
	}

	return c.kvStore.Close()
}

// NetDir returns the provider of the network view the client builds paths
// from.
func (c *Client) NetDir() netdir.Provider {
	return c.netDir
}

// InstallNetDir replaces the network view of a client that keeps its own
// provider.
func (c *Client) InstallNetDir(nd *netdir.NetDir) error {
	if c.ownNetDir == nil {
		return errors.New("network view is provided externally")
	}

	return c.ownNetDir.SetNetDir(nd)
}

// dirInfo returns the network view if there is one, and the fallbacks
// otherwise.
func (c *Client) dirInfo() path.DirInfo {
	info := path.FromFallbacks(c.fallbacks)
	c.netDir.LatestNetDir().WhenSome(func(nd *netdir.NetDir) {
		info = path.FromNetDir(nd)
	})

	return info
}

// GetDirCirc returns a one-hop circuit for directory requests. Before any
// network view is known it leads to a fallback directory.
func (c *Client) GetDirCirc(ctx context.Context) (*circmgr.Circuit, error) {
	return c.circMgr.GetOrLaunchDir(ctx, c.dirInfo())
}

// GetExitCirc returns a circuit whose exit allows every port in ports, for
// streams with the given isolation. It needs a network view.
func (c *Client) GetExitCirc(ctx context.Context, ports []netdir.TargetPort,
	isolation circmgr.StreamIsolation) (*circmgr.Circuit, error) {

	nd, err := c.netDir.LatestNetDir().UnwrapOrErr(
		circerr.ErrNeedConsensus,
	)
	if err != nil {
		return nil, err
	}

	return c.circMgr.GetOrLaunchExit(ctx, nd, ports, isolation)
}

// UpdateNetworkParameters applies new consensus parameters to the circuit
// timeouts and the channel padding.
func (c *Client) UpdateNetworkParameters(params *netdir.NetParameters) {
	c.circMgr.UpdateNetworkParameters(params)
	c.chanMgr.UpdatePadding(chanmgr.PaddingParamsFor(params, c.padding))
}

// RetireAllCircuits stops handing out every open circuit.
func (c *Client) RetireAllCircuits() {
	c.circMgr.RetireAllCircuits()
}

// BootstrapEvents subscribes to changes of the client's ability to reach
// the network.
func (c *Client) BootstrapEvents() (*subscribe.Client[chanmgr.ConnStatus],
	error) {

	return c.chanMgr.BootstrapEvents()
}

// FallbackStatus returns the health of the fallback with identities ids.
func (c *Client) FallbackStatus(ids linkspec.RelayIDs) (fallback.Status,
	bool) {

	return c.fallbacks.StatusOf(ids)
}
