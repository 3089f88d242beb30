package timeouts

import (
	"math"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/netdir"
)

const (
	// timeHistoryLen is the number of build times remembered.
	timeHistoryLen = 1000

	// binWidth is the width of a histogram bin.
	binWidth = 10 * time.Millisecond

	// significantHop is the hop whose completion times are learned: the
	// last hop of a three-hop circuit.
	significantHop = 2

	// maxTimeout caps every timeout, including the fallback timeouts
	// that double each time the network seems to be failing.
	maxTimeout = 2 * time.Hour
)

// msec is a duration in whole milliseconds.
type msec uint32

func msecFrom(d time.Duration) msec {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	}

	return msec(ms)
}

// durationFromMsec converts a fractional number of milliseconds, capping
// the result at maxTimeout.
func durationFromMsec(ms float64) time.Duration {
	if ms >= float64(maxTimeout/time.Millisecond) {
		return maxTimeout
	}

	return time.Duration(ms * float64(time.Millisecond))
}

func (m msec) duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// bin returns the start of the histogram bin holding m.
func (m msec) bin() msec {
	w := msec(binWidth.Milliseconds())
	return m / w * w
}

// history holds recent build times and recent build outcomes.
type history struct {
	// times is a ring of the last timeHistoryLen build times.
	times []msec
	next  int

	// histogram counts the times in each bin.
	histogram map[msec]uint16

	// outcomes is a ring of recent outcomes, true for success.
	outcomes    []bool
	outcomesPos int
	outcomesLen int
}

func newHistory(recent int) *history {
	return &history{
		times:     make([]msec, 0, timeHistoryLen),
		histogram: make(map[msec]uint16),
		outcomes:  make([]bool, recent),
	}
}

func (h *history) clear() {
	*h = *newHistory(len(h.outcomes))
}

func (h *history) nTimes() int {
	return len(h.times)
}

func (h *history) addTime(t msec) {
	if len(h.times) < timeHistoryLen {
		h.times = append(h.times, t)
	} else {
		old := h.times[h.next]
		h.dropFromHistogram(old)
		h.times[h.next] = t
		h.next = (h.next + 1) % timeHistoryLen
	}
	h.histogram[t.bin()]++
}

func (h *history) dropFromHistogram(t msec) {
	b := t.bin()
	if h.histogram[b] <= 1 {
		delete(h.histogram, b)
		return
	}
	h.histogram[b]--
}

func (h *history) addOutcome(success bool) {
	if len(h.outcomes) == 0 {
		return
	}

	h.outcomes[h.outcomesPos] = success
	h.outcomesPos = (h.outcomesPos + 1) % len(h.outcomes)
	if h.outcomesLen < len(h.outcomes) {
		h.outcomesLen++
	}
}

// nRecentTimeouts returns the number of failures among recent outcomes.
func (h *history) nRecentTimeouts() int {
	var n int
	for i := 0; i < h.outcomesLen; i++ {
		if !h.outcomes[i] {
			n++
		}
	}

	return n
}

// setOutcomesLen resizes the outcome ring, keeping the latest outcomes.
func (h *history) setOutcomesLen(n int) {
	latest := make([]bool, 0, h.outcomesLen)
	for i := 0; i < h.outcomesLen; i++ {
		idx := (h.outcomesPos - h.outcomesLen + i + len(h.outcomes)) %
			len(h.outcomes)
		latest = append(latest, h.outcomes[idx])
	}
	if len(latest) > n {
		latest = latest[len(latest)-n:]
	}

	h.outcomes = make([]bool, n)
	copy(h.outcomes, latest)
	h.outcomesLen = len(latest)
	h.outcomesPos = 0
	if n > 0 {
		h.outcomesPos = len(latest) % n
	}
}

// histogramBin is one non-empty bin of the histogram.
type histogramBin struct {
	bin   msec
	count uint16
}

// sparseHistogram returns the non-empty bins in increasing order.
func (h *history) sparseHistogram() []histogramBin {
	bins := make([]histogramBin, 0, len(h.histogram))
	for b, c := range h.histogram {
		bins = append(bins, histogramBin{bin: b, count: c})
	}
	sort.Slice(bins, func(i, j int) bool {
		return bins[i].bin < bins[j].bin
	})

	return bins
}

// estimateXm returns the count-weighted mean of the centres of the nModes
// fullest bins. Ties prefer the faster bin.
func (h *history) estimateXm(nModes int) (float64, bool) {
	bins := h.sparseHistogram()
	if len(bins) == 0 {
		return 0, false
	}

	sort.SliceStable(bins, func(i, j int) bool {
		return bins[i].count > bins[j].count
	})
	if len(bins) > nModes {
		bins = bins[:nModes]
	}

	half := float64(binWidth.Milliseconds()) / 2

	var sum, n float64
	for _, b := range bins {
		sum += (float64(b.bin) + half) * float64(b.count)
		n += float64(b.count)
	}

	return sum / n, true
}

// paretoDist is a Pareto distribution with scale xm and shape 1/invAlpha.
type paretoDist struct {
	xm       float64
	invAlpha float64
}

// quantile returns the build time below which a fraction q of builds
// complete.
func (p paretoDist) quantile(q float64) float64 {
	return p.xm / math.Pow(1-q, p.invAlpha)
}

// paretoEstimate fits a Pareto distribution to the build times using the
// maximum likelihood estimator for its shape.
func (h *history) paretoEstimate(nModes int) (paretoDist, bool) {
	xm, ok := h.estimateXm(nModes)
	if !ok {
		return paretoDist{}, false
	}

	n := float64(len(h.times))

	var sumLog float64
	for _, t := range h.times {
		sumLog += math.Log(math.Max(float64(t), xm))
	}

	return paretoDist{
		xm:       xm,
		invAlpha: (sumLog - n*math.Log(xm)) / n,
	}, true
}

// paretoParams are the consensus controlled parameters of the estimator.
type paretoParams struct {
	useEstimates    bool
	minObservations int
	nModes          int
	recentCount     int
	maxTimeouts     int
	reportQuantile  float64
	abandonQuantile float64
	minTimeout      time.Duration
	defaultTimeout  time.Duration
}

func paramsFrom(p *netdir.NetParameters) paretoParams {
	return paretoParams{
		useEstimates:    !p.CbtLearningDisabled(),
		minObservations: int(p.CbtMinCircs),
		nModes:          int(p.CbtNumModes),
		recentCount:     int(p.CbtRecentCount),
		maxTimeouts:     int(p.CbtMaxTimeouts),
		reportQuantile:  float64(p.CbtQuantile) / 100,
		abandonQuantile: float64(p.CbtCloseQuantile) / 100,
		minTimeout: time.Duration(p.CbtMinTimeout) *
			time.Millisecond,
		defaultTimeout: time.Duration(p.CbtInitialTimeout) *
			time.Millisecond,
	}
}

// timeoutPair is a report timeout and an abandon timeout.
type timeoutPair struct {
	report  time.Duration
	abandon time.Duration
}

// ParetoEstimator is the learning Estimator. It is not safe for concurrent
// use; a Handle serialises access to it.
type ParetoEstimator struct {
	p       paretoParams
	history *history

	// estimate caches the timeouts computed from history. It is cleared
	// whenever history changes.
	estimate fn.Option[timeoutPair]

	// fallback is used while learning. It doubles whenever the network
	// seems to be failing.
	fallback timeoutPair
}

// A compile-time check that ParetoEstimator implements Estimator.
var _ Estimator = (*ParetoEstimator)(nil)

// NewParetoEstimator returns an estimator with no history.
func NewParetoEstimator(params *netdir.NetParameters) *ParetoEstimator {
	if params == nil {
		params = netdir.DefaultNetParameters()
	}
	p := paramsFrom(params)

	return &ParetoEstimator{
		p:       p,
		history: newHistory(p.recentCount),
		fallback: timeoutPair{
			report:  p.defaultTimeout,
			abandon: p.defaultTimeout,
		},
	}
}

// ParetoEstimatorFromState restores an estimator from persisted state.
func ParetoEstimatorFromState(state *ParetoTimeoutState,
	params *netdir.NetParameters) *ParetoEstimator {

	e := NewParetoEstimator(params)
	for _, b := range state.Histogram {
		for i := uint16(0); i < b.count; i++ {
			e.history.addTime(b.bin)
		}
	}

	return e
}

// NoteHopCompleted records a hop completion. Only the last hop of a
// three-hop circuit enters the build time history; the last hop of any
// circuit counts as a success.
func (e *ParetoEstimator) NoteHopCompleted(hop uint8, delay time.Duration,
	isLast bool) {

	if !isLast {
		return
	}

	if hop == significantHop {
		e.history.addTime(msecFrom(delay))
		e.estimate = fn.None[timeoutPair]()
	}
	e.history.addOutcome(true)
}

// NoteCircTimeout records a failed build. When too many recent builds have
// failed, the network has probably changed: the history is discarded and,
// if the timeouts in use were already no shorter than the fallback, the
// fallback is doubled.
func (e *ParetoEstimator) NoteCircTimeout(hop uint8, delay time.Duration) {
	e.history.addOutcome(false)

	if e.history.nRecentTimeouts() <= e.p.maxTimeouts {
		return
	}

	base := e.baseTimeouts()

	log.Infof("%d of the last %d circuits timed out, resetting "+
		"circuit build time history", e.history.nRecentTimeouts(),
		e.history.outcomesLen)

	e.history.clear()
	e.estimate = fn.None[timeoutPair]()

	if base.report >= e.fallback.report {
		e.fallback.report = min(2*e.fallback.report, maxTimeout)
		e.fallback.abandon = min(
			2*e.fallback.abandon, maxTimeout,
		)
	}
}

// baseTimeouts returns the timeouts for building a reference circuit.
func (e *ParetoEstimator) baseTimeouts() timeoutPair {
	if e.estimate.IsSome() {
		return e.estimate.UnwrapOr(e.fallback)
	}

	if e.LearningTimeouts() || !e.p.useEstimates {
		return e.fallback
	}

	dist, ok := e.history.paretoEstimate(e.p.nModes)
	if !ok {
		return e.fallback
	}

	report := max(
		durationFromMsec(dist.quantile(e.p.reportQuantile)),
		e.p.minTimeout,
	)
	abandon := max(
		durationFromMsec(dist.quantile(e.p.abandonQuantile)), report,
	)

	pair := timeoutPair{report: report, abandon: abandon}
	e.estimate = fn.Some(pair)

	log.Debugf("Circuit build timeouts from %d samples: report=%v "+
		"abandon=%v (xm=%.0fms, 1/alpha=%.3f)", e.history.nTimes(),
		report, abandon, dist.xm, dist.invAlpha)

	return pair
}

// Timeouts returns the report and abandon timeouts for action.
func (e *ParetoEstimator) Timeouts(action Action) (time.Duration,
	time.Duration) {

	base := e.baseTimeouts()

	return scaleTimeouts(base.report, base.abandon, action)
}

// LearningTimeouts returns true while fewer than the minimum number of
// builds have been seen.
func (e *ParetoEstimator) LearningTimeouts() bool {
	return e.p.useEstimates && e.history.nTimes() < e.p.minObservations
}

// UpdateParams applies new consensus parameters. A fallback that has not
// been doubled follows the new initial timeout.
func (e *ParetoEstimator) UpdateParams(params *netdir.NetParameters) {
	p := paramsFrom(params)

	if e.fallback.report == e.p.defaultTimeout &&
		e.fallback.abandon == e.p.defaultTimeout {

		e.fallback = timeoutPair{
			report:  p.defaultTimeout,
			abandon: p.defaultTimeout,
		}
	}

	if p.recentCount != len(e.history.outcomes) {
		e.history.setOutcomesLen(p.recentCount)
	}

	e.p = p
	e.estimate = fn.None[timeoutPair]()
}

// BuildState returns the histogram and current timeouts.
func (e *ParetoEstimator) BuildState() fn.Option[*ParetoTimeoutState] {
	state := &ParetoTimeoutState{
		Version:   stateVersion,
		Histogram: e.history.sparseHistogram(),
	}

	if !e.LearningTimeouts() {
		base := e.baseTimeouts()
		state.CurrentReport = fn.Some(msecFrom(base.report).duration())
		state.CurrentAbandon = fn.Some(
			msecFrom(base.abandon).duration(),
		)
	}

	return fn.Some(state)
}
