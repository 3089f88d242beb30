package timeouts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// StoreKey is the key under which the estimator state is persisted.
const StoreKey = "circuit_timeouts"

const stateVersion uint8 = 1

// binRecordLen is the encoded size of one histogram bin: a 4 byte bin start
// in milliseconds followed by a 2 byte count.
const binRecordLen = 6

const (
	typeVersion        tlv.Type = 0
	typeHistogram      tlv.Type = 2
	typeCurrentReport  tlv.Type = 4
	typeCurrentAbandon tlv.Type = 6
)

// ErrUnknownStateVersion is returned when decoding state written by a newer
// version of the estimator.
var ErrUnknownStateVersion = errors.New("unknown circuit timeout state " +
	"version")

// ParetoTimeoutState is the persisted form of the estimator: its histogram
// of build times and, once it has converged, the timeouts it derived.
type ParetoTimeoutState struct {
	Version   uint8
	Histogram []histogramBin

	// CurrentReport and CurrentAbandon are the timeouts in use when the
	// state was saved. They are absent while still learning.
	CurrentReport  fn.Option[time.Duration]
	CurrentAbandon fn.Option[time.Duration]
}

// NumSamples returns the number of build times in the histogram.
func (s *ParetoTimeoutState) NumSamples() int {
	var n int
	for _, b := range s.Histogram {
		n += int(b.count)
	}

	return n
}

// latestEstimate returns the saved timeouts, if any.
func (s *ParetoTimeoutState) latestEstimate() fn.Option[timeoutPair] {
	if s.CurrentReport.IsNone() {
		return fn.None[timeoutPair]()
	}

	report := s.CurrentReport.UnwrapOr(0)

	return fn.Some(timeoutPair{
		report:  report,
		abandon: max(s.CurrentAbandon.UnwrapOr(report), report),
	})
}

// Encode serialises the state as a TLV stream.
func (s *ParetoTimeoutState) Encode() ([]byte, error) {
	var (
		version = s.Version
		hist    = make([]byte, 0, binRecordLen*len(s.Histogram))
	)
	for _, b := range s.Histogram {
		hist = binary.BigEndian.AppendUint32(hist, uint32(b.bin))
		hist = binary.BigEndian.AppendUint16(hist, b.count)
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeVersion, &version),
		tlv.MakePrimitiveRecord(typeHistogram, &hist),
	}

	var report, abandon uint64
	s.CurrentReport.WhenSome(func(d time.Duration) {
		report = uint64(msecFrom(d))
		records = append(records, tlv.MakeBigSizeRecord(
			typeCurrentReport, &report,
		))
	})
	s.CurrentAbandon.WhenSome(func(d time.Duration) {
		abandon = uint64(msecFrom(d))
		records = append(records, tlv.MakeBigSizeRecord(
			typeCurrentAbandon, &abandon,
		))
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// DecodeState parses state written by Encode.
func DecodeState(data []byte) (*ParetoTimeoutState, error) {
	var (
		version         uint8
		hist            []byte
		report, abandon uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeVersion, &version),
		tlv.MakePrimitiveRecord(typeHistogram, &hist),
		tlv.MakeBigSizeRecord(typeCurrentReport, &report),
		tlv.MakeBigSizeRecord(typeCurrentAbandon, &abandon),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if version != stateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStateVersion,
			version)
	}
	if len(hist)%binRecordLen != 0 {
		return nil, fmt.Errorf("histogram of %d bytes is not a "+
			"multiple of %d", len(hist), binRecordLen)
	}

	state := &ParetoTimeoutState{
		Version:   version,
		Histogram: make([]histogramBin, 0, len(hist)/binRecordLen),
	}
	for i := 0; i < len(hist); i += binRecordLen {
		state.Histogram = append(state.Histogram, histogramBin{
			bin:   msec(binary.BigEndian.Uint32(hist[i:])),
			count: binary.BigEndian.Uint16(hist[i+4:]),
		})
	}

	if _, ok := parsed[typeCurrentReport]; ok {
		state.CurrentReport = fn.Some(msec(report).duration())
	}
	if _, ok := parsed[typeCurrentAbandon]; ok {
		state.CurrentAbandon = fn.Some(msec(abandon).duration())
	}

	return state, nil
}
