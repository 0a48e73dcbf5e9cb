package domain

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/blake3"
)

// HashScale and HashClampBound are the default hashing.scale and
// hashing.clamp_bound configuration values from spec §6. They are exported
// so internal/config can validate overrides against them, though the
// canonicalization procedure itself is fixed by §4.8 and does not vary at
// runtime.
const (
	HashScale      = 1_000_000
	HashClampBound = 2147.0
)

// F32ToCanonical converts a float64-carried sample into the fixed-point i64
// representation used for deterministic hashing. The procedure is exact
// across x86, ARM, and WebAssembly: no transcendental functions, no
// platform-dependent rounding mode beyond round-half-to-even, which Go's
// math.RoundToEven guarantees identically to IEEE 754 roundTiesToEven.
func F32ToCanonical(x float64) int64 {
	switch {
	case math.IsNaN(x):
		return math.MaxInt64
	case math.IsInf(x, 1):
		return math.MaxInt64 - 1
	case math.IsInf(x, -1):
		return math.MinInt64
	}
	if x > HashClampBound {
		x = HashClampBound
	} else if x < -HashClampBound {
		x = -HashClampBound
	}
	return int64(math.RoundToEven(x * HashScale))
}

// CanonicalToF64 is the exact inverse of F32ToCanonical for the three
// non-finite sentinels; every other value is descaled back to a float64.
// Used wherever a canonical-encoded payload is read back (event payload
// decoding), so that a NaN/Inf channel persisted via F32ToCanonical comes
// back as NaN/Inf rather than as a large finite number — which would
// silently change FEP/estimator behavior on replay versus live.
func CanonicalToF64(v int64) float64 {
	switch v {
	case math.MaxInt64:
		return math.NaN()
	case math.MaxInt64 - 1:
		return math.Inf(1)
	case math.MinInt64:
		return math.Inf(-1)
	}
	return float64(v) / HashScale
}

type canonicalWriter struct {
	buf []byte
}

func (w *canonicalWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *canonicalWriter) le64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *canonicalWriter) canonicalF64(x float64) {
	w.le64(uint64(F32ToCanonical(x)))
}

func (w *canonicalWriter) tag(present bool) {
	if present {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

// CanonicalBytes renders a BreathState into the strict byte-order payload
// defined by §4.8, prior to hashing. Exposed separately so tests can assert
// against the literal byte string in the spec's worked example.
func CanonicalBytes(s BreathState) []byte {
	w := &canonicalWriter{buf: make([]byte, 0, 64)}

	w.tag(s.SessionActive)
	w.le64(s.TotalCycles)

	w.tag(s.LastDecision != nil)
	if s.LastDecision != nil {
		w.canonicalF64(s.LastDecision.TargetRateBPM)
		w.canonicalF64(s.LastDecision.Confidence)
	}

	w.tag(s.LastPattern != nil)
	if s.LastPattern != nil {
		w.canonicalF64(s.LastPattern.TargetRR)
		w.canonicalF64(s.LastPattern.InhaleSec)
		w.canonicalF64(s.LastPattern.ExhaleSec)
		w.canonicalF64(s.LastPattern.HoldInSec)
		w.canonicalF64(s.LastPattern.HoldOutSec)
	}

	w.tag(s.Mode != nil)
	if s.Mode != nil {
		w.byte(byte(*s.Mode))
	}

	return w.buf
}

// HashBreathState computes the 32-byte deterministic digest of a
// BreathState. JSON and any other self-describing serialization are
// forbidden in this path: key ordering and float formatting are not stable
// across toolchains, while this byte procedure is.
func HashBreathState(s BreathState) [32]byte {
	return blake3.Sum256(CanonicalBytes(s))
}
