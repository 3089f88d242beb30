package timeouts

import "fmt"

type actionKind uint8

const (
	actionBuild actionKind = iota
	actionExtend
	actionRoundTrip
)

// Action is something whose duration we want a timeout for.
type Action struct {
	kind actionKind

	// length is the circuit length, or the final length for extensions.
	length int

	// initial is the circuit length before an extension.
	initial int
}

// referenceLength is the circuit length the estimator learns about. Every
// action is scaled relative to building a circuit of this length.
const referenceLength = 3

// BuildCircuit is building a circuit of length hops.
func BuildCircuit(length int) Action {
	return Action{kind: actionBuild, length: length}
}

// ExtendCircuit is extending a circuit from initial to final hops.
func ExtendCircuit(initial, final int) Action {
	return Action{kind: actionExtend, length: final, initial: initial}
}

// RoundTrip is sending a message to the last hop of a circuit of length
// hops and getting a reply.
func RoundTrip(length int) Action {
	return Action{kind: actionRoundTrip, length: length}
}

// scale returns the ratio of the expected duration of the action to that
// of building a circuit of the reference length.
func (a Action) scale() float64 {
	var hops int
	switch a.kind {
	case actionBuild:
		hops = a.length
	case actionExtend:
		hops = a.length - a.initial
	case actionRoundTrip:
		hops = 2 * a.length
	}
	if hops < 0 {
		hops = 0
	}

	return float64(hops) / referenceLength
}

// String returns a description of the action.
func (a Action) String() string {
	switch a.kind {
	case actionExtend:
		return fmt.Sprintf("extend %d->%d", a.initial, a.length)
	case actionRoundTrip:
		return fmt.Sprintf("round trip over %d hops", a.length)
	default:
		return fmt.Sprintf("build %d hops", a.length)
	}
}
