// Package trauma implements the context-keyed negative-outcome memory with
// exponential inhibit backoff. It is grounded on the teacher's token-bucket
// cost model (exponential-feeling cost escalation by state) and its
// pressure accumulator's EMA blend, recombined into the spec's signature-
// keyed registry shape.
package trauma

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/zeebo/blake3"
)

const (
	hoursToUs   = 3_600_000_000
	maxInhibitH = 24
)

// Config holds the trauma tunables from spec §6's `trauma` section.
type Config struct {
	DecayRateDefault float64
	SeverityEMABeta  float64
}

// DefaultConfig matches spec §4.7's named defaults.
func DefaultConfig() Config {
	return Config{DecayRateDefault: 0.1, SeverityEMABeta: 0.3}
}

// Signature computes the 32-byte context signature key: BLAKE3(goal, mode,
// pattern_id, context_bucket).
func Signature(goal string, mode domain.Mode, patternID string, bucket domain.ContextBucket) [32]byte {
	buf := make([]byte, 0, len(goal)+len(patternID)+2)
	buf = append(buf, []byte(goal)...)
	buf = append(buf, byte(mode))
	buf = append(buf, []byte(patternID)...)
	buf = append(buf, byte(bucket))
	return blake3.Sum256(buf)
}

// Registry is the in-memory trauma table, owned exclusively by the Engine.
// Persistence (if any) is the runtime's responsibility via explicit upsert
// calls; the registry performs no implicit I/O.
type Registry struct {
	cfg     Config
	entries map[[32]byte]*domain.TraumaHit
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, entries: make(map[[32]byte]*domain.TraumaHit)}
}

// RecordNegativeFeedback folds one negative outcome into the entry for sig,
// applying exponential inhibit backoff: inhibit_hours = min(24, 2^(count-1)).
func (r *Registry) RecordNegativeFeedback(sig [32]byte, nowTsUs int64, severity float64) domain.TraumaHit {
	e, ok := r.entries[sig]
	if !ok {
		e = &domain.TraumaHit{SignatureHash: sig, DecayRate: r.cfg.DecayRateDefault}
		r.entries[sig] = e
	}

	e.Count++
	e.SeverityEMA = (1-r.cfg.SeverityEMABeta)*e.SeverityEMA + r.cfg.SeverityEMABeta*severity

	inhibitHours := math.Min(maxInhibitH, math.Pow(2, float64(e.Count-1)))
	e.InhibitUntilTsUs = nowTsUs + int64(inhibitHours*hoursToUs)
	e.LastTsUs = nowTsUs

	return *e
}

// Query returns the decayed effective severity and inhibit deadline for
// sig, or found=false if no entry exists.
func (r *Registry) Query(sig [32]byte, nowTsUs int64) (sevEff float64, inhibitUntilTsUs int64, found bool) {
	e, ok := r.entries[sig]
	if !ok {
		return 0, 0, false
	}
	dayUs := float64(24 * hoursToUs)
	elapsedDays := float64(nowTsUs-e.LastTsUs) / dayUs
	sevEff = e.SeverityEMA * math.Exp(-e.DecayRate*elapsedDays)
	return sevEff, e.InhibitUntilTsUs, true
}

// Get returns a copy of the raw entry for sig.
func (r *Registry) Get(sig [32]byte) (domain.TraumaHit, bool) {
	e, ok := r.entries[sig]
	if !ok {
		return domain.TraumaHit{}, false
	}
	return *e, true
}

// All returns every entry; the runtime reads it to update the
// active-inhibition gauge.
func (r *Registry) All() []domain.TraumaHit {
	out := make([]domain.TraumaHit, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Restore loads a previously persisted entry back into the registry, used
// when the runtime rehydrates from the trauma_registry table on startup.
func (r *Registry) Restore(hit domain.TraumaHit) {
	cp := hit
	r.entries[hit.SignatureHash] = &cp
}
