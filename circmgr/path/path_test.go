package path

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/netdir/testnet"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Unix(1700000000, 0)

func assertExitPathOK(t require.TestingT, p *TorPath) {
	require.Equal(t, KindMultihop, p.Kind())

	relays := p.Relays()
	require.Len(t, relays, 3)

	cfg := netdir.DefaultSubnetConfig()
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			a, b := relays[i], relays[j]
			require.NotEqual(t, a.ID(), b.ID())
			require.True(t, relaysCanShareCircuit(a, b, cfg),
				"%v and %v may not share a circuit", a, b)
		}
	}

	owned, err := p.Owned()
	require.NoError(t, err)
	require.Equal(t, 3, owned.Len())
	for i, hop := range owned.Hops {
		require.Equal(t, relays[i].IDs(), hop.IDs())
		require.Equal(t, relays[i].NtorOnionKey(), hop.NtorOnionKey())
	}
}

// TestExitPathByPorts checks that exits allow every requested port.
func TestExitPathByPorts(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	nd := testnet.ConstructNetDir()
	dir := FromNetDir(nd)
	ports := []netdir.TargetPort{
		netdir.IPv4Port(443), netdir.IPv4Port(1119),
	}

	for i := 0; i < 1000; i++ {
		p, mon, usable, err := FromTargetPorts(ports).PickPath(
			rng, dir, nil, DefaultConfig(),
		)
		require.NoError(t, err)
		require.Nil(t, mon)
		require.Nil(t, usable)
		assertExitPathOK(t, p)

		exit, ok := p.ExitRelay()
		require.True(t, ok)
		require.True(t, exit.SupportsExitPortIPv4(1119))
		require.True(t, p.Relays()[0].IsFlaggedGuard())

		policy, ok := p.ExitPolicy()
		require.True(t, ok)
		require.True(t, policy.AllowsPort(netdir.IPv4Port(1119)))
	}
}

// TestExitPathChosen checks that a chosen exit ends every path.
func TestExitPathChosen(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(2))
	nd := testnet.ConstructNetDir()
	chosen, ok := nd.ByID(testnet.IDs(0x20).Ed25519)
	require.True(t, ok)

	for i := 0; i < 1000; i++ {
		p, _, _, err := FromChosenExit(chosen).PickPath(
			rng, FromNetDir(nd), nil, DefaultConfig(),
		)
		require.NoError(t, err)
		assertExitPathOK(t, p)

		exit, _ := p.ExitRelay()
		require.Same(t, chosen, exit)
	}
}

// TestExitPathAnyExit checks that any-exit paths end at a relay allowing
// some port.
func TestExitPathAnyExit(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	nd := testnet.ConstructNetDir()

	for i := 0; i < 1000; i++ {
		p, _, _, err := ForAnyExit().PickPath(
			rng, FromNetDir(nd), nil, nil,
		)
		require.NoError(t, err)
		assertExitPathOK(t, p)

		exit, _ := p.ExitRelay()
		require.True(t, exit.PoliciesAllowSomePort())
	}

	// No ports means any exit.
	require.Equal(t, ForAnyExit(), FromTargetPorts(nil))
}

// TestExitPathNoExits checks the errors when no relay allows exits, and
// that timeout testing paths still work.
func TestExitPathNoExits(t *testing.T) {
	t.Parallel()

	nd := testnet.ConstructCustomNetDir(
		func(_ int, desc *netdir.RelayDesc) {
			desc.IPv4Policy = netdir.NewRejectAllPolicy()
			desc.IPv6Policy = netdir.NewRejectAllPolicy()
		}, nil,
	)
	rng := rand.New(rand.NewSource(4))
	dir := FromNetDir(nd)

	_, _, _, err := FromTargetPorts(
		[]netdir.TargetPort{netdir.IPv4Port(80)},
	).PickPath(rng, dir, nil, nil)
	require.ErrorIs(t, err, circerr.ErrNoRelays)

	_, _, _, err = ForAnyExit().PickPath(rng, dir, nil, nil)
	require.ErrorIs(t, err, circerr.ErrNoRelays)

	p, _, _, err := ForTimeoutTesting().PickPath(rng, dir, nil, nil)
	require.NoError(t, err)
	assertExitPathOK(t, p)
}

// TestExitPathNeedsConsensus checks that exit paths cannot be built from
// fallbacks.
func TestExitPathNeedsConsensus(t *testing.T) {
	t.Parallel()

	set := fallback.NewSet(nil, clock.NewTestClock(testTime))
	_, _, _, err := ForAnyExit().PickPath(
		rand.New(rand.NewSource(5)), FromFallbacks(set), nil, nil,
	)
	require.ErrorIs(t, err, circerr.ErrNeedConsensus)
}

// TestExitPathEmptyNetwork checks that an empty network is an error, not a
// panic.
func TestExitPathEmptyNetwork(t *testing.T) {
	t.Parallel()

	nd, err := netdir.New(nil, nil, nil, netdir.Lifetime{})
	require.NoError(t, err)

	_, _, _, err = ForAnyExit().PickPath(
		rand.New(rand.NewSource(6)), FromNetDir(nd), nil, nil,
	)
	require.ErrorIs(t, err, circerr.ErrNoRelays)
}

// TestExitPathProperties draws paths from many seeds and checks that no two
// hops are related.
func TestExitPathProperties(t *testing.T) {
	t.Parallel()

	nd := testnet.ConstructNetDir()

	rapid.Check(t, func(t *rapid.T) {
		rng := rand.New(rand.NewSource(rapid.Int64().Draw(t, "seed")))

		var b *ExitPathBuilder
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			port := uint16(rapid.IntRange(1, 65535).Draw(t, "port"))
			b = FromTargetPorts(
				[]netdir.TargetPort{netdir.IPv4Port(port)},
			)
		case 1:
			b = ForAnyExit()
		default:
			idx := rapid.IntRange(0, testnet.NumRelays-1).
				Draw(t, "exit")
			exit, _ := nd.ByID(testnet.IDs(idx).Ed25519)
			b = FromChosenExit(exit)
		}

		p, _, _, err := b.PickPath(rng, FromNetDir(nd), nil, nil)
		if errors.Is(err, circerr.ErrNoRelays) {
			// Chosen exits in the same subnet as every guard can
			// leave nothing to pick.
			return
		}
		require.NoError(t, err)
		assertExitPathOK(t, p)
	})
}

// TestExitPathWithGuardManager checks that the guard comes from the guard
// manager, and that chosen exits restrict it and downgrade indeterminate
// outcomes.
func TestExitPathWithGuardManager(t *testing.T) {
	t.Parallel()

	nd := testnet.ConstructNetDir()
	rng := rand.New(rand.NewSource(7))

	g, _ := nd.ByID(testnet.IDs(25).Ed25519)
	exit, _ := nd.ByID(testnet.IDs(32).Ed25519)

	var reported []guard.Status
	mon := guard.NewMonitor(func(s guard.Status) {
		reported = append(reported, s)
	})
	usable := guard.UsableNow()

	gm := &guard.MockManager{}
	gm.On("SelectGuard", mock.MatchedBy(func(u guard.Usage) bool {
		return u.Kind == guard.UsageData &&
			u.Avoids(exit.ID()) &&
			u.Avoids(testnet.IDs(33).Ed25519) &&
			!u.Avoids(g.ID())
	}), nd).Return(guard.FirstHopFromRelay(g), mon, usable, nil).Once()

	p, gotMon, gotUsable, err := FromChosenExit(exit).PickPath(
		rng, FromNetDir(nd), gm, nil,
	)
	require.NoError(t, err)
	gm.AssertExpectations(t)

	require.Same(t, mon, gotMon)
	require.Same(t, usable, gotUsable)
	require.Same(t, g, p.Relays()[0])
	assertExitPathOK(t, p)

	gotMon.PendingStatus(guard.StatusIndeterminate)
	gotMon.Commit()
	require.Equal(t, []guard.Status{guard.StatusAttemptAbandoned}, reported)
}

// TestExitPathGuardManagerErrors checks guard manager failures.
func TestExitPathGuardManagerErrors(t *testing.T) {
	t.Parallel()

	nd := testnet.ConstructNetDir()
	rng := rand.New(rand.NewSource(8))
	dir := FromNetDir(nd)

	errNoGuards := errors.New("no usable guards")
	gm := &guard.MockManager{}
	gm.On("SelectGuard", mock.Anything, nd).
		Return(nil, nil, nil, errNoGuards).Once()

	_, _, _, err := ForAnyExit().PickPath(rng, dir, gm, nil)
	require.Same(t, errNoGuards, err)

	// A guard that is not in the network view is a bug.
	desc := testnet.RelayDesc(21)
	desc.IDs.Ed25519[1] = 0xff
	unlisted := netdir.NewRelay(desc)
	require.NotNil(t, unlisted)

	gm.On("SelectGuard", mock.Anything, nd).Return(
		guard.FirstHopFromRelay(unlisted),
		guard.NewMonitor(nil), guard.UsableNow(), nil,
	).Once()

	_, _, _, err = ForAnyExit().PickPath(rng, dir, gm, nil)
	require.True(t, circerr.IsBug(err))
}

// TestDirPath checks the three ways of picking a directory hop.
func TestDirPath(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(9))
	nd := testnet.ConstructNetDir()
	b := NewDirPathBuilder()

	// From the network view.
	p, mon, _, err := b.PickPath(rng, FromNetDir(nd), nil, testTime)
	require.NoError(t, err)
	require.Nil(t, mon)
	require.Equal(t, KindOneHop, p.Kind())
	require.Equal(t, 1, p.Len())
	_, ok := p.ExitRelay()
	require.False(t, ok)

	owned, err := p.Owned()
	require.NoError(t, err)
	require.Nil(t, owned.ChanTarget)
	require.Len(t, owned.Hops, 1)

	// From the guard manager.
	g, _ := nd.ByID(testnet.IDs(22).Ed25519)
	gm := &guard.MockManager{}
	gm.On("SelectGuard", guard.Usage{
		Kind: guard.UsageOneHopDirectory,
	}, nd).Return(
		guard.FirstHopFromRelay(g), guard.NewMonitor(nil),
		guard.UsableNow(), nil,
	).Once()

	p, mon, _, err = b.PickPath(rng, FromNetDir(nd), gm, testTime)
	require.NoError(t, err)
	require.NotNil(t, mon)
	owned, err = p.Owned()
	require.NoError(t, err)
	require.Equal(t, g.IDs(), owned.FirstHopIDs())
	gm.AssertExpectations(t)

	// From the fallbacks, reporting back to them.
	dirs := []*fallback.Dir{
		fallback.NewDir(testnet.IDs(1), g.Addrs()),
	}
	set := fallback.NewSet(dirs, clock.NewTestClock(testTime))

	p, mon, usable, err := b.PickPath(rng, FromFallbacks(set), nil,
		testTime)
	require.NoError(t, err)
	require.Equal(t, KindFallbackOneHop, p.Kind())
	require.NotNil(t, usable)

	owned, err = p.Owned()
	require.NoError(t, err)
	require.NotNil(t, owned.ChanTarget)
	require.Equal(t, 1, owned.Len())
	require.Equal(t, testnet.IDs(1), owned.FirstHopIDs())

	mon.Report(guard.StatusFailure)
	_, _, _, err = b.PickPath(rng, FromFallbacks(set), nil, testTime)
	require.ErrorIs(t, err, circerr.ErrAllFallbackDirsDown)

	// Nothing at all.
	_, _, _, err = b.PickPath(rng, DirInfo{}, nil, testTime)
	require.ErrorIs(t, err, circerr.ErrNoPath)
}

// TestEmptyPathNotOwned checks that an empty multihop path cannot be built.
func TestEmptyPathNotOwned(t *testing.T) {
	t.Parallel()

	p := NewMultihop(nil)
	_, ok := p.ExitRelay()
	require.False(t, ok)
	_, ok = p.ExitPolicy()
	require.False(t, ok)
	require.Zero(t, p.Len())

	_, err := p.Owned()
	require.True(t, circerr.IsBug(err))
}
