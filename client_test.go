package torcirc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/netdir/testnet"
	"github.com/lightningnetwork/torcirc/persist"
	"github.com/lightningnetwork/torcirc/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// closedAddr returns a local address nobody listens on.
func closedAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()

	handshaker := &proto.MockHandshaker{}
	t.Cleanup(func() {
		handshaker.AssertExpectations(t)
	})

	c, err := NewClient(ClientConfig{
		Cfg:        cfg,
		Handshaker: handshaker,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	return c
}

// TestNewClientRequiresDeps checks that a client is not created without its
// config or a link handshaker.
func TestNewClientRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{Handshaker: &proto.MockHandshaker{}})
	require.Error(t, err)

	_, err = NewClient(ClientConfig{Cfg: testConfig(t)})
	require.Error(t, err)
}

// TestClientFallbackHealthPersists checks that a fallback that could not be
// reached is backed off, and that it stays backed off across a restart of
// the client.
func TestClientFallbackHealthPersists(t *testing.T) {
	t.Parallel()

	fb := testFallback(3, closedAddr(t))
	cfg := testConfig(t, fb)
	ids := cfg.Fallbacks()[0].IDs()

	c := newTestClient(t, cfg)

	ctx := context.Background()
	_, err := c.GetDirCirc(ctx)
	require.Error(t, err)

	status, ok := c.FallbackStatus(ids)
	require.True(t, ok)
	require.EqualValues(t, 1, status.Failures())
	require.False(t, status.UsableAt(time.Now()))

	_, err = c.GetDirCirc(ctx)
	require.ErrorIs(t, err, circerr.ErrAllFallbackDirsDown)

	require.NoError(t, c.Stop())

	// A new client on the same state directory remembers the failure.
	c = newTestClient(t, cfg)
	defer func() {
		require.NoError(t, c.Stop())
	}()

	status, ok = c.FallbackStatus(ids)
	require.True(t, ok)
	require.EqualValues(t, 1, status.Failures())

	_, err = c.GetDirCirc(ctx)
	require.ErrorIs(t, err, circerr.ErrAllFallbackDirsDown)
}

// TestClientExitNeedsNetDir checks that exit circuits are refused until a
// network view is installed.
func TestClientExitNeedsNetDir(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, testConfig(t))
	defer func() {
		require.NoError(t, c.Stop())
	}()

	ports := []netdir.TargetPort{netdir.IPv4Port(443)}
	iso := circmgr.NewStreamIsolation(
		circmgr.NewIsolationToken(), circmgr.NoIsolation(),
	)

	_, err := c.GetExitCirc(context.Background(), ports, iso)
	require.ErrorIs(t, err, circerr.ErrNeedConsensus)

	require.True(t, c.NetDir().LatestNetDir().IsNone())
	require.NoError(t, c.InstallNetDir(testnet.ConstructNetDir()))
	require.True(t, c.NetDir().LatestNetDir().IsSome())

	// Parameters from the consensus are accepted without a running
	// circuit.
	c.UpdateNetworkParameters(netdir.NetParametersFromMap(
		map[string]int32{"nf_ito_low": 0, "nf_ito_high": 0},
	))
}

// TestClientExternalNetDir checks that a client given a network view
// provider does not let it be replaced through the client.
func TestClientExternalNetDir(t *testing.T) {
	t.Parallel()

	provider := netdir.NewMutableProvider()
	require.NoError(t, provider.Start())
	t.Cleanup(func() {
		require.NoError(t, provider.Stop())
	})

	c, err := NewClient(ClientConfig{
		Cfg:        testConfig(t),
		Handshaker: &proto.MockHandshaker{},
		NetDir:     provider,
		Store:      persist.NewMemStore(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	require.Error(t, c.InstallNetDir(testnet.ConstructNetDir()))
	require.Equal(t, provider, c.NetDir())

	events, err := c.BootstrapEvents()
	require.NoError(t, err)
	events.Cancel()
}

// TestClientReadOnlyState checks that a client sharing another client's
// state starts and stops without writing it.
func TestClientReadOnlyState(t *testing.T) {
	t.Parallel()

	store := persist.NewMemStore()

	c, err := NewClient(ClientConfig{
		Cfg:        testConfig(t),
		Handshaker: &proto.MockHandshaker{},
		Store:      store.ReadOnlyView(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())

	stored, err := store.Load("fallback_status")
	require.NoError(t, err)
	require.True(t, stored.IsNone())

	var none linkspec.RelayIDs
	_, ok := c.FallbackStatus(none)
	require.False(t, ok)
}
