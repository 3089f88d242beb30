package timeouts

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/netdir"
)

// ReadonlyEstimator hands out the timeouts that another process learned and
// saved. It ignores its own observations, since it may not save them.
type ReadonlyEstimator struct {
	timeouts timeoutPair
	learning bool
}

// A compile-time check that ReadonlyEstimator implements Estimator.
var _ Estimator = (*ReadonlyEstimator)(nil)

// NewReadonlyEstimator returns an estimator using the initial timeout of
// params until state is loaded.
func NewReadonlyEstimator(params *netdir.NetParameters) *ReadonlyEstimator {
	if params == nil {
		params = netdir.DefaultNetParameters()
	}
	initial := time.Duration(params.CbtInitialTimeout) * time.Millisecond

	return &ReadonlyEstimator{
		timeouts: timeoutPair{report: initial, abandon: initial},
		learning: true,
	}
}

// updateFromState adopts the timeouts saved in state, if it has any.
func (r *ReadonlyEstimator) updateFromState(state *ParetoTimeoutState) {
	state.latestEstimate().WhenSome(func(p timeoutPair) {
		r.timeouts = p
		r.learning = false
	})
}

// NoteHopCompleted does nothing.
func (r *ReadonlyEstimator) NoteHopCompleted(uint8, time.Duration, bool) {}

// NoteCircTimeout does nothing.
func (r *ReadonlyEstimator) NoteCircTimeout(uint8, time.Duration) {}

// Timeouts returns the loaded timeouts scaled to action.
func (r *ReadonlyEstimator) Timeouts(action Action) (time.Duration,
	time.Duration) {

	return scaleTimeouts(r.timeouts.report, r.timeouts.abandon, action)
}

// LearningTimeouts returns true until converged timeouts were loaded.
func (r *ReadonlyEstimator) LearningTimeouts() bool {
	return r.learning
}

// UpdateParams does nothing; the owning process applies parameters.
func (r *ReadonlyEstimator) UpdateParams(*netdir.NetParameters) {}

// BuildState returns nothing, as this estimator owns no state.
func (r *ReadonlyEstimator) BuildState() fn.Option[*ParetoTimeoutState] {
	return fn.None[*ParetoTimeoutState]()
}
