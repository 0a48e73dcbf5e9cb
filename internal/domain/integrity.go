package domain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// IntegrityKernel enforces the structural invariants that must hold across
// every accepted control decision, independent of the belief math that
// produced it: timestamps move forward, parameters stay within physically
// sane bounds, and the accepted sequence chains into a single auditable
// digest. It does not evaluate safety (that is the guard swarm's job); it
// catches the class of defect a guard swarm cannot see by construction — a
// caller supplying NaN, a clock running backwards, or history tampering.
type IntegrityKernel struct {
	bounds     ParameterBounds
	lastTsUs   int64
	haveLastTs bool
	parentHash [32]byte
}

// ParameterBounds are the absolute limits a ControlDecision must satisfy,
// independent of any guard's tighter clamp.
type ParameterBounds struct {
	RRAbsMin float64
	RRAbsMax float64
}

// DefaultParameterBounds mirror the physiological envelope a breath-pattern
// controller may never exceed regardless of configuration.
func DefaultParameterBounds() ParameterBounds {
	return ParameterBounds{RRAbsMin: 2.0, RRAbsMax: 30.0}
}

// NewIntegrityKernel returns a kernel with a zero parent hash, i.e. the
// start of a fresh chain.
func NewIntegrityKernel(bounds ParameterBounds) *IntegrityKernel {
	return &IntegrityKernel{bounds: bounds}
}

var (
	// ErrTimeNotMonotonic signals a decision timestamp at or before the
	// previously validated one.
	ErrTimeNotMonotonic = errors.New("integrity: timestamp not monotonic")
	// ErrParameterOutOfBounds signals a decision outside ParameterBounds.
	ErrParameterOutOfBounds = errors.New("integrity: parameter out of bounds")
	// ErrNonFinite signals a NaN or infinite value reached the integrity
	// boundary; this must never happen for an accepted decision.
	ErrNonFinite = errors.New("integrity: non-finite value")
)

// ValidateDecision checks a single accepted decision against timestamp
// monotonicity, absolute parameter bounds, and finiteness, then folds it
// into the running chain hash. It must be called in the exact order
// decisions are accepted; it is not safe for concurrent use (the Engine that
// owns it is single-threaded by design).
func (k *IntegrityKernel) ValidateDecision(tsUs int64, d ControlDecision) ([32]byte, error) {
	if k.haveLastTs && tsUs <= k.lastTsUs {
		return k.parentHash, fmt.Errorf("%w: ts=%d last=%d", ErrTimeNotMonotonic, tsUs, k.lastTsUs)
	}
	if isNonFinite(d.TargetRateBPM) || isNonFinite(d.Confidence) {
		return k.parentHash, ErrNonFinite
	}
	if d.TargetRateBPM < k.bounds.RRAbsMin || d.TargetRateBPM > k.bounds.RRAbsMax {
		return k.parentHash, fmt.Errorf("%w: target_rate_bpm=%f", ErrParameterOutOfBounds, d.TargetRateBPM)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return k.parentHash, fmt.Errorf("%w: confidence=%f", ErrParameterOutOfBounds, d.Confidence)
	}

	next := chainHash(k.parentHash, tsUs, d)
	k.parentHash = next
	k.lastTsUs = tsUs
	k.haveLastTs = true
	return next, nil
}

// ChainHash returns the current tip of the decision chain without mutating
// state; used by diagnostics and tests.
func (k *IntegrityKernel) ChainHash() [32]byte {
	return k.parentHash
}

func chainHash(parent [32]byte, tsUs int64, d ControlDecision) [32]byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, parent[:]...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(tsUs))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(F32ToCanonical(d.TargetRateBPM)))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(F32ToCanonical(d.Confidence)))
	buf = append(buf, tmp[:]...)
	return blake3.Sum256(buf)
}

func isNonFinite(x float64) bool {
	return x != x || x > 1e308 || x < -1e308
}

// ValidateEnvelopeSequence checks that seq values in envs are contiguous and
// strictly increasing starting at 1, matching the replay precondition in
// spec §4.10. It is pure and has no relation to the chain hash above; replay
// calls it before doing any work (the store's append path checks contiguity
// on its own).
func ValidateEnvelopeSequence(envs []Envelope) error {
	for i, e := range envs {
		want := uint64(i + 1)
		if e.Seq != want {
			return fmt.Errorf("integrity: envelope sequence gap at index %d: want seq=%d got=%d", i, want, e.Seq)
		}
	}
	return nil
}
