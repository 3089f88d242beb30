package path

import (
	"math/rand"
	"time"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
)

// DirPathBuilder picks one-hop paths for directory requests.
type DirPathBuilder struct{}

// NewDirPathBuilder returns a DirPathBuilder.
func NewDirPathBuilder() *DirPathBuilder {
	return &DirPathBuilder{}
}

// PickPath picks a directory hop. With a network view, the guard manager
// supplies it if present, otherwise a directory cache is picked by weight.
// Without one, a usable fallback directory is chosen and the returned
// monitor reports back to the fallback set.
func (d *DirPathBuilder) PickPath(rng *rand.Rand, dir DirInfo,
	guards guard.Manager, now time.Time) (*TorPath, *guard.Monitor,
	*guard.Usable, error) {

	switch {
	case dir.NetDir != nil && guards != nil:
		hop, mon, usable, err := guards.SelectGuard(
			guard.Usage{Kind: guard.UsageOneHopDirectory},
			dir.NetDir,
		)
		if err != nil {
			return nil, nil, nil, err
		}

		return NewOneHop(hop), mon, usable, nil

	case dir.NetDir != nil:
		r, ok := dir.NetDir.PickRelay(rng, netdir.RoleBeginDir,
			(*netdir.Relay).IsDirCache,
		)
		if !ok {
			return nil, nil, nil, circerr.NoRelays(
				"no directory cache found",
			)
		}

		return NewOneHop(r), nil, nil, nil

	case dir.Fallbacks != nil:
		fb, err := dir.Fallbacks.Choose(rng, now)
		if err != nil {
			return nil, nil, nil, err
		}

		return NewFallbackOneHop(fb), dir.Fallbacks.Monitor(fb.IDs()),
			guard.UsableNow(), nil

	default:
		return nil, nil, nil, circerr.ErrNoPath
	}
}
