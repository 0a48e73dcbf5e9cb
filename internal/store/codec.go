package store

import (
	"encoding/binary"
	"fmt"

	"github.com/vagusloop/breathkernel/internal/domain"
)

// Payload encoders/decoders produce the canonical, length-prefixed byte
// layout spec §6 requires for persisted event payloads: not JSON, a fixed
// field order per event_type, suitable for byte-exact replay.

func le64b(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func f64b(x float64) []byte {
	return le64b(uint64(domain.F32ToCanonical(x)))
}

func readLE64(b []byte, off int) (uint64, int) {
	return binary.LittleEndian.Uint64(b[off : off+8]), off + 8
}

func readF64(b []byte, off int) (float64, int) {
	v, next := readLE64(b, off)
	return domain.CanonicalToF64(int64(v)), next
}

// EncodeFeatureVector encodes SensorFeaturesIngested's payload: 5 canonical
// float fields.
func EncodeFeatureVector(f domain.FeatureVector) []byte {
	buf := make([]byte, 0, 40)
	for _, v := range f {
		buf = append(buf, f64b(v)...)
	}
	return buf
}

// DecodeFeatureVector reverses EncodeFeatureVector.
func DecodeFeatureVector(b []byte) (domain.FeatureVector, error) {
	if len(b) != 40 {
		return domain.FeatureVector{}, fmt.Errorf("store: feature vector payload must be 40 bytes, got %d", len(b))
	}
	var f domain.FeatureVector
	off := 0
	for i := range f {
		f[i], off = readF64(b, off)
	}
	return f, nil
}

// EncodeControlDecision encodes ControlDecisionMade's payload: target_rate
// and confidence as canonical floats.
func EncodeControlDecision(d domain.ControlDecision) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, f64b(d.TargetRateBPM)...)
	buf = append(buf, f64b(d.Confidence)...)
	return buf
}

// DecodeControlDecision reverses EncodeControlDecision.
func DecodeControlDecision(b []byte) (domain.ControlDecision, error) {
	if len(b) != 16 {
		return domain.ControlDecision{}, fmt.Errorf("store: control decision payload must be 16 bytes, got %d", len(b))
	}
	target, off := readF64(b, 0)
	conf, _ := readF64(b, off)
	return domain.ControlDecision{TargetRateBPM: target, Confidence: conf}, nil
}

// EncodeSessionStarted encodes SessionStarted's payload: the start
// timestamp, included for completeness though it duplicates the
// envelope's own ts_us.
func EncodeSessionStarted(tsUs int64) []byte {
	return le64b(uint64(tsUs))
}

// EncodeActionOutcome encodes ActionOutcome's payload.
func EncodeActionOutcome(o domain.ActionOutcome) []byte {
	buf := make([]byte, 0, 64)
	success := byte(0)
	if o.Success {
		success = 1
	}
	buf = append(buf, success)
	buf = append(buf, byte(o.ResultType))
	buf = append(buf, le64b(uint64(o.TimestampUs))...)
	buf = append(buf, encodeString(o.ActionID)...)
	buf = append(buf, encodeString(o.ActionType)...)
	buf = append(buf, encodeString(o.Message)...)
	return buf
}

// DecodeActionOutcome reverses EncodeActionOutcome.
func DecodeActionOutcome(b []byte) (domain.ActionOutcome, error) {
	if len(b) < 10 {
		return domain.ActionOutcome{}, fmt.Errorf("store: action outcome payload too short: %d bytes", len(b))
	}
	o := domain.ActionOutcome{
		Success:    b[0] == 1,
		ResultType: domain.ResultType(b[1]),
	}
	ts, off := readLE64(b, 2)
	o.TimestampUs = int64(ts)

	var s string
	s, off, err := decodeString(b, off)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	o.ActionID = s

	s, off, err = decodeString(b, off)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	o.ActionType = s

	s, _, err = decodeString(b, off)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	o.Message = s
	return o, nil
}

func encodeString(s string) []byte {
	buf := make([]byte, 0, 4+len(s))
	var lenB [4]byte
	binary.LittleEndian.PutUint32(lenB[:], uint32(len(s)))
	buf = append(buf, lenB[:]...)
	buf = append(buf, s...)
	return buf
}

func decodeString(b []byte, off int) (string, int, error) {
	if off+4 > len(b) {
		return "", off, fmt.Errorf("store: truncated string length prefix at offset %d", off)
	}
	n := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if off+n > len(b) {
		return "", off, fmt.Errorf("store: truncated string body at offset %d (want %d bytes)", off, n)
	}
	return string(b[off : off+n]), off + n, nil
}

// EncodePatternPatch encodes PatternAdjusted's payload.
func EncodePatternPatch(p domain.PatternPatch) []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, f64b(p.TargetRR)...)
	buf = append(buf, f64b(p.InhaleSec)...)
	buf = append(buf, f64b(p.ExhaleSec)...)
	buf = append(buf, f64b(p.HoldInSec)...)
	buf = append(buf, f64b(p.HoldOutSec)...)
	return buf
}

// DecodePatternPatch reverses EncodePatternPatch.
func DecodePatternPatch(b []byte) (domain.PatternPatch, error) {
	if len(b) != 40 {
		return domain.PatternPatch{}, fmt.Errorf("store: pattern patch payload must be 40 bytes, got %d", len(b))
	}
	var p domain.PatternPatch
	off := 0
	p.TargetRR, off = readF64(b, off)
	p.InhaleSec, off = readF64(b, off)
	p.ExhaleSec, off = readF64(b, off)
	p.HoldInSec, off = readF64(b, off)
	p.HoldOutSec, _ = readF64(b, off)
	return p, nil
}

// EncodeBeliefState encodes BeliefUpdated's payload: the collapsed mode
// byte, the five-way probability vector, aggregate confidence, and the
// hysteresis collapse counter.
func EncodeBeliefState(b domain.BeliefState) []byte {
	buf := make([]byte, 0, 1+domain.NumModes*8+8+4)
	buf = append(buf, byte(b.Mode))
	for _, p := range b.P {
		buf = append(buf, f64b(p)...)
	}
	buf = append(buf, f64b(b.Confidence)...)
	var counterB [4]byte
	binary.LittleEndian.PutUint32(counterB[:], uint32(b.CollapseCounter))
	buf = append(buf, counterB[:]...)
	return buf
}

// DecodeBeliefState reverses EncodeBeliefState.
func DecodeBeliefState(b []byte) (domain.BeliefState, error) {
	want := 1 + domain.NumModes*8 + 8 + 4
	if len(b) != want {
		return domain.BeliefState{}, fmt.Errorf("store: belief state payload must be %d bytes, got %d", want, len(b))
	}
	var s domain.BeliefState
	s.Mode = domain.Mode(b[0])
	off := 1
	for i := range s.P {
		s.P[i], off = readF64(b, off)
	}
	s.Confidence, off = readF64(b, off)
	s.CollapseCounter = int(binary.LittleEndian.Uint32(b[off : off+4]))
	return s, nil
}

// EncodePolicyChosen encodes PolicyChosen's payload: the collapsed mode
// that drove the accepted patch, and the bitmask of guards consulted.
func EncodePolicyChosen(mode domain.Mode, reasonBits uint8) []byte {
	return []byte{byte(mode), reasonBits}
}

// DecodePolicyChosen reverses EncodePolicyChosen.
func DecodePolicyChosen(b []byte) (mode domain.Mode, reasonBits uint8, err error) {
	if len(b) != 2 {
		return 0, 0, fmt.Errorf("store: policy chosen payload must be 2 bytes, got %d", len(b))
	}
	return domain.Mode(b[0]), b[1], nil
}

// EncodeCycleCompleted encodes CycleCompleted's payload: the running total
// cycle count after this completion.
func EncodeCycleCompleted(totalCycles uint64) []byte {
	return le64b(totalCycles)
}

// DecodeCycleCompleted reverses EncodeCycleCompleted.
func DecodeCycleCompleted(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("store: cycle completed payload must be 8 bytes, got %d", len(b))
	}
	v, _ := readLE64(b, 0)
	return v, nil
}

// EncodeSessionEnded encodes SessionEnded's payload: the end timestamp.
func EncodeSessionEnded(tsUs int64) []byte {
	return le64b(uint64(tsUs))
}

// DecodeSessionTimestamp reverses EncodeSessionStarted/EncodeSessionEnded,
// both of which share the same single-timestamp layout.
func DecodeSessionTimestamp(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("store: session timestamp payload must be 8 bytes, got %d", len(b))
	}
	v, _ := readLE64(b, 0)
	return int64(v), nil
}

// EncodeDenyReason encodes ControlDecisionDenied's payload: the guard
// reason bitmask and a short string reason code.
func EncodeDenyReason(reasonBits uint8, reason string) []byte {
	buf := make([]byte, 0, 1+4+len(reason))
	buf = append(buf, reasonBits)
	buf = append(buf, encodeString(reason)...)
	return buf
}

// DecodeDenyReason reverses EncodeDenyReason.
func DecodeDenyReason(b []byte) (reasonBits uint8, reason string, err error) {
	if len(b) < 1 {
		return 0, "", fmt.Errorf("store: deny reason payload empty")
	}
	reasonBits = b[0]
	reason, _, err = decodeString(b, 1)
	return reasonBits, reason, err
}
