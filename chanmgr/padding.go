package chanmgr

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/proto"
)

// PaddingLevel is how much link padding we ask for.
type PaddingLevel uint8

const (
	// PaddingNormal pads as often as the consensus asks.
	PaddingNormal PaddingLevel = iota

	// PaddingReduced uses the longer reduced padding intervals.
	PaddingReduced

	// PaddingNone disables padding.
	PaddingNone
)

// String returns the configuration name of the level.
func (p PaddingLevel) String() string {
	switch p {
	case PaddingNormal:
		return "normal"
	case PaddingReduced:
		return "reduced"
	case PaddingNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParsePaddingLevel parses a level written as by String.
func ParsePaddingLevel(s string) (PaddingLevel, error) {
	switch s {
	case "normal", "":
		return PaddingNormal, nil
	case "reduced":
		return PaddingReduced, nil
	case "none":
		return PaddingNone, nil
	default:
		return 0, fmt.Errorf("unknown padding level %q", s)
	}
}

// PaddingParamsFor derives the padding parameters of every channel from the
// consensus parameters and the configured level. Padding is off when the
// consensus sets both bounds to zero; inverted bounds fall back to the
// defaults.
func PaddingParamsFor(params *netdir.NetParameters,
	level PaddingLevel) proto.PaddingParams {

	defaults := netdir.DefaultNetParameters()

	var low, high, defLow, defHigh int32
	switch level {
	case PaddingNone:
		return proto.PaddingParams{}

	case PaddingReduced:
		low, high = params.NfItoLowReduced, params.NfItoHighReduced
		defLow = defaults.NfItoLowReduced
		defHigh = defaults.NfItoHighReduced

	default:
		low, high = params.NfItoLow, params.NfItoHigh
		defLow, defHigh = defaults.NfItoLow, defaults.NfItoHigh
	}

	if params.NfItoLow == 0 && params.NfItoHigh == 0 {
		return proto.PaddingParams{}
	}

	if low > high {
		log.Warnf("Padding bounds inverted (%d > %d), using defaults",
			low, high)
		low, high = defLow, defHigh
	}

	return proto.PaddingParams{
		Enabled: true,
		Low:     time.Duration(low) * time.Millisecond,
		High:    time.Duration(high) * time.Millisecond,
	}
}
