package netdir

// WeightRole is the position a relay is being picked for. Each role weighs
// relays differently depending on their flags.
type WeightRole uint8

const (
	// RoleGuard weighs relays for the first hop of a circuit.
	RoleGuard WeightRole = iota

	// RoleMiddle weighs relays for a middle hop.
	RoleMiddle

	// RoleExit weighs relays for the last hop of an exit circuit.
	RoleExit

	// RoleBeginDir weighs relays for one-hop directory requests.
	RoleBeginDir

	// RoleUnweighted gives every relay its raw bandwidth.
	RoleUnweighted
)

// String returns the name of the role.
func (w WeightRole) String() string {
	switch w {
	case RoleGuard:
		return "guard"
	case RoleMiddle:
		return "middle"
	case RoleExit:
		return "exit"
	case RoleBeginDir:
		return "begindir"
	case RoleUnweighted:
		return "unweighted"
	default:
		return "unknown"
	}
}

// relayKind classifies relays by their Guard and Exit flags, which is what
// the consensus bandwidth weights are indexed by.
type relayKind uint8

const (
	kindMiddle relayKind = iota
	kindGuard
	kindExit
	kindGuardExit
)

func kindOf(r *Relay) relayKind {
	switch g, e := r.IsFlaggedGuard(), r.IsFlaggedExit(); {
	case g && e:
		return kindGuardExit
	case g:
		return kindGuard
	case e:
		return kindExit
	default:
		return kindMiddle
	}
}

// BandwidthWeights holds the "bandwidth-weights" line of a consensus, keyed
// by weight name (for example "Wgg" or "Wmd").
type BandwidthWeights map[string]int32

// weightNames maps each weighted role and relay kind to the consensus weight
// that applies to it.
var weightNames = map[WeightRole][4]string{
	RoleGuard: {
		kindMiddle: "Wgm", kindGuard: "Wgg", kindExit: "Wgm",
		kindGuardExit: "Wgd",
	},
	RoleMiddle: {
		kindMiddle: "Wmm", kindGuard: "Wmg", kindExit: "Wme",
		kindGuardExit: "Wmd",
	},
	RoleExit: {
		kindMiddle: "Wem", kindGuard: "Weg", kindExit: "Wee",
		kindGuardExit: "Wed",
	},
	RoleBeginDir: {
		kindMiddle: "Wbm", kindGuard: "Wbg", kindExit: "Wbe",
		kindGuardExit: "Wbd",
	},
}

// WeightSet computes the weight of a relay for each role.
type WeightSet struct {
	scale   uint64
	factors map[WeightRole][4]uint64
}

// NewWeightSet builds a WeightSet from consensus bandwidth weights. Missing
// or negative weights default to the scale, so that a consensus without
// weights picks relays in proportion to their bandwidth.
func NewWeightSet(weights BandwidthWeights, scale int32) *WeightSet {
	if scale <= 0 {
		scale = defaultBwWeightScale
	}

	ws := &WeightSet{
		scale:   uint64(scale),
		factors: make(map[WeightRole][4]uint64, len(weightNames)),
	}
	for role, names := range weightNames {
		var factors [4]uint64
		for kind, name := range names {
			w, ok := weights[name]
			if !ok || w < 0 {
				w = scale
			}
			factors[kind] = uint64(w)
		}
		ws.factors[role] = factors
	}

	return ws
}

// WeightForRole returns the weight of r in role.
func (ws *WeightSet) WeightForRole(r *Relay, role WeightRole) uint64 {
	bw := uint64(r.Bandwidth())

	factors, ok := ws.factors[role]
	if !ok {
		return bw
	}

	return bw * factors[kindOf(r)] / ws.scale
}
