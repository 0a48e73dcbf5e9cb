// Package estimator smooths raw sensor feature vectors into a stable
// Estimate via per-channel exponential moving averages, with burst
// suppression and sample-count-driven confidence. It is adapted from the
// teacher's pressure accumulator: the same EWMA recursion, generalized from
// one scalar channel to three physiological channels and given an explicit
// timestamp-driven alpha instead of a fixed blend constant.
package estimator

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
)

const (
	burstSuppressionUs = 10_000
	confidenceTau       = 8.0
	alphaMin            = 0.01
	alphaMax            = 0.9
)

// Estimator is total: Ingest never returns an error. It is not safe for
// concurrent use; the owning Engine serializes all calls.
type Estimator struct {
	hasPrior    bool
	lastTsUs    int64
	hr          float64
	rr          float64
	rmssd       float64
	sampleCount uint64
	cached      domain.Estimate
}

// New returns a zero-valued Estimator; confidence starts at 0 until the
// first ingest.
func New() *Estimator {
	return &Estimator{}
}

// Ingest folds one feature vector into the running estimate and returns the
// (possibly cached) Estimate.
func (e *Estimator) Ingest(f domain.FeatureVector, tsUs int64) domain.Estimate {
	if e.hasPrior {
		gap := tsUs - e.lastTsUs
		if gap > 0 && gap < burstSuppressionUs {
			return e.cached
		}
	}

	var alpha float64
	if !e.hasPrior {
		alpha = 1.0
	} else {
		dtS := float64(maxI64(0, tsUs-e.lastTsUs)) / 1e6
		alpha = clamp(1.0-math.Exp(-dtS), alphaMin, alphaMax)
	}

	nonNull := 0
	if hasSample(f[domain.FeatHR]) {
		e.hr = blend(e.hr, f[domain.FeatHR], alpha, e.hasPrior)
		nonNull++
	}
	if hasSample(f[domain.FeatRR]) {
		e.rr = blend(e.rr, f[domain.FeatRR], alpha, e.hasPrior)
		nonNull++
	}
	if hasSample(f[domain.FeatRMSSD]) {
		e.rmssd = blend(e.rmssd, f[domain.FeatRMSSD], alpha, e.hasPrior)
		nonNull++
	}

	e.sampleCount += uint64(nonNull)
	e.hasPrior = true
	e.lastTsUs = tsUs

	confidence := 1.0 - math.Exp(-float64(e.sampleCount)/confidenceTau)
	e.cached = domain.Estimate{
		HR:          e.hr,
		RR:          e.rr,
		RMSSD:       e.rmssd,
		Confidence:  confidence,
		TimestampUs: tsUs,
	}
	return e.cached
}

// Current returns the last computed estimate without ingesting anything.
func (e *Estimator) Current() domain.Estimate {
	return e.cached
}

// hasSample treats exactly 0.0 as a real sample; the caller (runtime) is
// responsible for translating Observation's optional sub-records into
// FeatureVector slots, using NaN to mark "not observed" where a genuine
// zero must be distinguishable from absence. Feature vectors built from
// ingest_sensor_with_context's raw five-slot array treat every slot as
// present by construction.
func hasSample(v float64) bool {
	return !math.IsNaN(v)
}

func blend(old, sample, alpha float64, hasPrior bool) float64 {
	if !hasPrior {
		return sample
	}
	return (1-alpha)*old + alpha*sample
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
