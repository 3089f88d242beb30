package timeouts

import (
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/logutil"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/persist"
)

// Handle is a concurrency-safe Estimator that switches between a learning
// estimator, when it may write to storage, and a read-only one otherwise.
type Handle struct {
	mu     sync.Mutex
	inner  Estimator
	params *netdir.NetParameters
}

// A compile-time check that Handle implements Estimator.
var _ Estimator = (*Handle)(nil)

// NewHandle returns a handle around est.
func NewHandle(est Estimator) *Handle {
	return &Handle{
		inner:  est,
		params: netdir.DefaultNetParameters(),
	}
}

// loadState reads the saved state from store, if there is any.
func loadState(store persist.Store) (fn.Option[*ParetoTimeoutState],
	error) {

	none := fn.None[*ParetoTimeoutState]()

	stored, err := store.Load(StoreKey)
	if err != nil {
		return none, err
	}
	if stored.IsNone() {
		return none, nil
	}

	state, err := DecodeState(stored.UnwrapOr(nil))
	if err != nil {
		return none, fmt.Errorf("unable to decode circuit timeout "+
			"state: %w", err)
	}

	return fn.Some(state), nil
}

// estimatorFor builds the estimator suited to store from the saved state.
func estimatorFor(store persist.Store, state fn.Option[*ParetoTimeoutState],
	params *netdir.NetParameters) Estimator {

	if store.CanStore() {
		est := NewParetoEstimator(params)
		state.WhenSome(func(s *ParetoTimeoutState) {
			est = ParetoEstimatorFromState(s, params)
		})

		return est
	}

	est := NewReadonlyEstimator(params)
	state.WhenSome(est.updateFromState)

	return est
}

// FromStorage returns a handle initialised from the state saved in store:
// a learning estimator if the store is writable, a read-only one if not.
func FromStorage(store persist.Store) (*Handle, error) {
	state, err := loadState(store)
	if err != nil {
		return nil, err
	}

	params := netdir.DefaultNetParameters()
	state.WhenSome(func(s *ParetoTimeoutState) {
		log.Infof("Loaded circuit build time state with %d samples",
			s.NumSamples())
	})

	return &Handle{
		inner:  estimatorFor(store, state, params),
		params: params,
	}, nil
}

// SaveState writes the estimator state to store. A read-only estimator or
// store has nothing to write.
func (h *Handle) SaveState(store persist.Store) error {
	if !store.CanStore() {
		return nil
	}

	h.mu.Lock()
	state := h.inner.BuildState()
	h.mu.Unlock()

	var err error
	state.WhenSome(func(s *ParetoTimeoutState) {
		log.Tracef("Saving circuit timeout state: %v",
			logutil.SpewLogClosure(s))

		var data []byte
		data, err = s.Encode()
		if err != nil {
			err = fmt.Errorf("unable to encode circuit timeout "+
				"state: %w", err)
			return
		}
		err = store.Store(StoreKey, data)
	})

	return err
}

// UpgradeToOwningStorage replaces a read-only estimator by a learning one
// once store has become writable, starting from whatever was last saved.
func (h *Handle) UpgradeToOwningStorage(store persist.Store) error {
	if !store.CanStore() {
		return persist.ErrReadOnly
	}

	h.mu.Lock()
	_, readOnly := h.inner.(*ReadonlyEstimator)
	h.mu.Unlock()
	if !readOnly {
		return nil
	}

	state, err := loadState(store)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Someone may have upgraded while we were loading.
	if _, ok := h.inner.(*ReadonlyEstimator); ok {
		h.inner = estimatorFor(store, state, h.params)
		log.Infof("Now learning circuit build timeouts")
	}

	return nil
}

// ReloadReadonlyFromStorage refreshes a read-only estimator with the latest
// timeouts saved by the owning process. A learning estimator is left alone.
func (h *Handle) ReloadReadonlyFromStorage(store persist.Store) error {
	h.mu.Lock()
	_, readOnly := h.inner.(*ReadonlyEstimator)
	h.mu.Unlock()
	if !readOnly {
		return nil
	}

	state, err := loadState(store)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ro, ok := h.inner.(*ReadonlyEstimator); ok {
		state.WhenSome(ro.updateFromState)
	}

	return nil
}

// IsReadOnly returns true while the handle wraps a read-only estimator.
func (h *Handle) IsReadOnly() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.inner.(*ReadonlyEstimator)
	return ok
}

// NoteHopCompleted implements Estimator.
func (h *Handle) NoteHopCompleted(hop uint8, delay time.Duration,
	isLast bool) {

	h.mu.Lock()
	defer h.mu.Unlock()

	h.inner.NoteHopCompleted(hop, delay, isLast)
}

// NoteCircTimeout implements Estimator.
func (h *Handle) NoteCircTimeout(hop uint8, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inner.NoteCircTimeout(hop, delay)
}

// Timeouts implements Estimator.
func (h *Handle) Timeouts(action Action) (time.Duration, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.inner.Timeouts(action)
}

// LearningTimeouts implements Estimator.
func (h *Handle) LearningTimeouts() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.inner.LearningTimeouts()
}

// UpdateParams implements Estimator. The parameters are also remembered for
// an estimator created by a later upgrade.
func (h *Handle) UpdateParams(params *netdir.NetParameters) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.params = params
	h.inner.UpdateParams(params)
}

// BuildState implements Estimator.
func (h *Handle) BuildState() fn.Option[*ParetoTimeoutState] {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.inner.BuildState()
}
