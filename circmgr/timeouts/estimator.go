// Package timeouts learns how long circuits take to build and derives the
// timeouts after which a build is reported as failed and finally abandoned.
//
// Build times of full three-hop circuits are modelled with a Pareto
// distribution fitted to a histogram of recent builds. Until enough builds
// have been seen, generous fixed timeouts are used instead.
package timeouts

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/netdir"
)

// Estimator learns circuit build times and hands out timeouts.
type Estimator interface {
	// NoteHopCompleted records that hop (counting from 0) of a circuit
	// finished delay after the build began. isLast is true for the last
	// hop of the circuit.
	NoteHopCompleted(hop uint8, delay time.Duration, isLast bool)

	// NoteCircTimeout records that a circuit was given up delay after its
	// build began, with hop hops completed.
	NoteCircTimeout(hop uint8, delay time.Duration)

	// Timeouts returns the report and abandon timeouts for action. The
	// abandon timeout is never shorter than the report timeout.
	Timeouts(action Action) (time.Duration, time.Duration)

	// LearningTimeouts returns true while the estimator has not seen
	// enough builds to trust its estimate.
	LearningTimeouts() bool

	// UpdateParams applies new consensus parameters.
	UpdateParams(params *netdir.NetParameters)

	// BuildState returns the state to persist, if the estimator owns
	// any.
	BuildState() fn.Option[*ParetoTimeoutState]
}

// scaleTimeouts scales a timeout pair for building a reference circuit to
// action.
func scaleTimeouts(report, abandon time.Duration,
	action Action) (time.Duration, time.Duration) {

	s := action.scale()

	return time.Duration(float64(report) * s),
		time.Duration(float64(abandon) * s)
}
