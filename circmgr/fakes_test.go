package circmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/proto"
)

var errHopFailed = errors.New("hop failed")

// fakeCirc is a circuit that only counts its hops.
type fakeCirc struct {
	hops       atomic.Int32
	closing    atomic.Bool
	terminated atomic.Bool
}

var _ proto.Circuit = (*fakeCirc)(nil)

func (f *fakeCirc) ExtendNtor(context.Context, linkspec.CircTarget,
	proto.CircParameters) error {

	f.hops.Add(1)
	return nil
}

func (f *fakeCirc) NHops() int {
	return int(f.hops.Load())
}

func (f *fakeCirc) IsClosing() bool {
	return f.closing.Load()
}

func (f *fakeCirc) Terminate() {
	f.terminated.Store(true)
	f.closing.Store(true)
}

// fakeHops builds fakeCircs. With a gate set, first hops wait for it to be
// closed or for their context to end.
type fakeHops struct {
	mu sync.Mutex

	gate      chan struct{}
	failFirst error

	// failExtendAt makes extending to this hop index fail.
	failExtendAt int

	firstHops []HopTarget
	circs     []*fakeCirc
}

var _ HopBuilder = (*fakeHops)(nil)

func (f *fakeHops) CreateFirstHop(ctx context.Context, target HopTarget,
	_ proto.CircParameters) (proto.Circuit, error) {

	f.mu.Lock()
	f.firstHops = append(f.firstHops, target)
	gate, failFirst := f.gate, f.failFirst
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failFirst != nil {
		return nil, failFirst
	}

	circ := &fakeCirc{}
	circ.hops.Store(1)

	f.mu.Lock()
	f.circs = append(f.circs, circ)
	f.mu.Unlock()

	return circ, nil
}

func (f *fakeHops) Extend(ctx context.Context, circ proto.Circuit,
	target *linkspec.OwnedCircTarget, params proto.CircParameters) error {

	f.mu.Lock()
	failAt := f.failExtendAt
	f.mu.Unlock()

	if failAt != 0 && circ.NHops() == failAt {
		return errHopFailed
	}

	return circ.ExtendNtor(ctx, target, params)
}

func (f *fakeHops) numLaunches() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.firstHops)
}

func (f *fakeHops) builtCircs() []*fakeCirc {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeCirc(nil), f.circs...)
}

type hopNote struct {
	hop    uint8
	delay  time.Duration
	isLast bool
}

type timeoutNote struct {
	hop   uint8
	delay time.Duration
}

// fakeEstimator hands out fixed timeouts and records observations.
type fakeEstimator struct {
	mu sync.Mutex

	report, abandon time.Duration
	learning        bool

	hops     []hopNote
	timeouts []timeoutNote
	params   []*netdir.NetParameters
}

var _ timeouts.Estimator = (*fakeEstimator)(nil)

func newFakeEstimator(report, abandon time.Duration) *fakeEstimator {
	return &fakeEstimator{report: report, abandon: abandon}
}

func (f *fakeEstimator) NoteHopCompleted(hop uint8, delay time.Duration,
	isLast bool) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.hops = append(f.hops, hopNote{hop, delay, isLast})
}

func (f *fakeEstimator) NoteCircTimeout(hop uint8, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.timeouts = append(f.timeouts, timeoutNote{hop, delay})
}

func (f *fakeEstimator) Timeouts(timeouts.Action) (time.Duration,
	time.Duration) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.report, f.abandon
}

func (f *fakeEstimator) LearningTimeouts() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.learning
}

func (f *fakeEstimator) UpdateParams(params *netdir.NetParameters) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.params = append(f.params, params)
}

func (f *fakeEstimator) BuildState() fn.Option[*timeouts.ParetoTimeoutState] {
	return fn.None[*timeouts.ParetoTimeoutState]()
}

func (f *fakeEstimator) hopNotes() []hopNote {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]hopNote(nil), f.hops...)
}

func (f *fakeEstimator) timeoutNotes() []timeoutNote {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]timeoutNote(nil), f.timeouts...)
}

// statusRecorder collects the statuses a guard monitor delivers.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []guard.Status
}

func (r *statusRecorder) monitor() *guard.Monitor {
	return guard.NewMonitor(func(s guard.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.statuses = append(r.statuses, s)
	})
}

func (r *statusRecorder) reported() []guard.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]guard.Status(nil), r.statuses...)
}

func (f *fakeEstimator) setLearning(learning bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.learning = learning
}

func (f *fakeEstimator) numParamUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.params)
}
