package netdir

import (
	"math"
	"sort"
	"time"
)

const defaultBwWeightScale = 10000

// paramSpec describes one consensus parameter: its default and the range
// outside of which a consensus value is clamped.
type paramSpec struct {
	def, min, max int32
	field         func(p *NetParameters) *int32
}

// NetParameters are the consensus parameters this client understands,
// clamped to their valid ranges with defaults filled in.
type NetParameters struct {
	// BwWeightScale is the denominator of the bandwidth weights.
	BwWeightScale int32

	// CircuitWindow is the initial circuit-level flow control window.
	CircuitWindow int32

	// MinCircuitPathThreshold is the percentage of paths we must be able
	// to build before building circuits.
	MinCircuitPathThreshold int32

	// CbtDisabled turns circuit build time learning off.
	CbtDisabled int32

	// CbtNumModes is the number of histogram modes used to estimate the
	// Pareto scale.
	CbtNumModes int32

	// CbtRecentCount is how many recent circuits are remembered to detect
	// network failure.
	CbtRecentCount int32

	// CbtMaxTimeouts is how many of the recent circuits may time out
	// before the estimate is reset.
	CbtMaxTimeouts int32

	// CbtMinCircs is how many build times must be known before the
	// learned timeout is used.
	CbtMinCircs int32

	// CbtQuantile is the percentile of build times used as the timeout.
	CbtQuantile int32

	// CbtCloseQuantile is the percentile used to abandon circuits.
	CbtCloseQuantile int32

	// CbtTestFreq is the interval between timeout testing circuits, in
	// seconds.
	CbtTestFreq int32

	// CbtMinTimeout is the smallest allowed timeout, in milliseconds.
	CbtMinTimeout int32

	// CbtInitialTimeout is the timeout used while learning, in
	// milliseconds.
	CbtInitialTimeout int32

	// CbtMaxOpenCircsForTesting caps the open circuits for which timeout
	// testing circuits are still launched.
	CbtMaxOpenCircsForTesting int32

	// NfItoLow and NfItoHigh bound the channel padding interval in
	// milliseconds.
	NfItoLow  int32
	NfItoHigh int32

	// NfItoLowReduced and NfItoHighReduced bound the padding interval in
	// reduced padding mode.
	NfItoLowReduced  int32
	NfItoHighReduced int32

	// ExtendByEd25519ID makes circuits extend using Ed25519 identities.
	ExtendByEd25519ID int32
}

var paramSpecs = map[string]paramSpec{
	"bwweightscale": {defaultBwWeightScale, 1, math.MaxInt32,
		func(p *NetParameters) *int32 { return &p.BwWeightScale }},
	"circwindow": {1000, 100, 1000,
		func(p *NetParameters) *int32 { return &p.CircuitWindow }},
	"min_paths_for_circs_pct": {60, 25, 95,
		func(p *NetParameters) *int32 {
			return &p.MinCircuitPathThreshold
		}},
	"cbtdisabled": {0, 0, 1,
		func(p *NetParameters) *int32 { return &p.CbtDisabled }},
	"cbtnummodes": {10, 1, 20,
		func(p *NetParameters) *int32 { return &p.CbtNumModes }},
	"cbtrecentcount": {20, 3, 1000,
		func(p *NetParameters) *int32 { return &p.CbtRecentCount }},
	"cbtmaxtimeouts": {18, 3, 10000,
		func(p *NetParameters) *int32 { return &p.CbtMaxTimeouts }},
	"cbtmincircs": {100, 1, 10000,
		func(p *NetParameters) *int32 { return &p.CbtMinCircs }},
	"cbtquantile": {80, 10, 99,
		func(p *NetParameters) *int32 { return &p.CbtQuantile }},
	"cbtclosequantile": {99, 10, 99,
		func(p *NetParameters) *int32 { return &p.CbtCloseQuantile }},
	"cbttestfreq": {10, 1, math.MaxInt32,
		func(p *NetParameters) *int32 { return &p.CbtTestFreq }},
	"cbtmintimeout": {10, 10, math.MaxInt32,
		func(p *NetParameters) *int32 { return &p.CbtMinTimeout }},
	"cbtinitialtimeout": {60000, 10, math.MaxInt32,
		func(p *NetParameters) *int32 { return &p.CbtInitialTimeout }},
	"cbtmaxopencircs": {10, 0, 14,
		func(p *NetParameters) *int32 {
			return &p.CbtMaxOpenCircsForTesting
		}},
	"nf_ito_low": {1500, 0, 60000,
		func(p *NetParameters) *int32 { return &p.NfItoLow }},
	"nf_ito_high": {9500, 0, 60000,
		func(p *NetParameters) *int32 { return &p.NfItoHigh }},
	"nf_ito_low_reduced": {9000, 0, 60000,
		func(p *NetParameters) *int32 { return &p.NfItoLowReduced }},
	"nf_ito_high_reduced": {14000, 0, 60000,
		func(p *NetParameters) *int32 { return &p.NfItoHighReduced }},
	"ExtendByEd25519ID": {0, 0, 1,
		func(p *NetParameters) *int32 { return &p.ExtendByEd25519ID }},
}

// DefaultNetParameters returns the parameters used when the consensus does
// not say otherwise.
func DefaultNetParameters() *NetParameters {
	p := &NetParameters{}
	for _, spec := range paramSpecs {
		*spec.field(p) = spec.def
	}

	return p
}

// SetFromMap applies the consensus values in params, clamping each to its
// valid range. The names of parameters that are not understood are returned,
// sorted.
func (p *NetParameters) SetFromMap(params map[string]int32) []string {
	var unknown []string
	for name, value := range params {
		spec, ok := paramSpecs[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}

		switch {
		case value < spec.min:
			log.Debugf("Clamping consensus parameter %s=%d to %d",
				name, value, spec.min)
			value = spec.min

		case value > spec.max:
			log.Debugf("Clamping consensus parameter %s=%d to %d",
				name, value, spec.max)
			value = spec.max
		}

		*spec.field(p) = value
	}
	sort.Strings(unknown)

	return unknown
}

// NetParametersFromMap returns the defaults overridden by params.
func NetParametersFromMap(params map[string]int32) *NetParameters {
	p := DefaultNetParameters()
	if unknown := p.SetFromMap(params); len(unknown) > 0 {
		log.Debugf("Ignoring unknown consensus parameters: %v", unknown)
	}

	return p
}

// CbtTestingDelay returns the interval between timeout testing circuits.
func (p *NetParameters) CbtTestingDelay() time.Duration {
	return time.Duration(p.CbtTestFreq) * time.Second
}

// CbtLearningDisabled returns true if circuit build times should not be
// learned.
func (p *NetParameters) CbtLearningDisabled() bool {
	return p.CbtDisabled != 0
}

// MinPathFraction returns MinCircuitPathThreshold as a fraction.
func (p *NetParameters) MinPathFraction() float64 {
	return float64(p.MinCircuitPathThreshold) / 100
}
