// Package belief implements multi-pathway Bayesian fusion over the five
// fixed modes, hysteresis-gated collapse, and Free-Energy-Principle
// precision tracking. It is grounded on the teacher's anomaly scoring
// engine: the same idea of weighted evidence accumulation over a baseline,
// generalized from a single anomaly score to a five-way mode distribution
// and from Mahalanobis distance to three independent evidence pathways.
package belief

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
)

// PathwayOutput is a {logits, confidence} pair, the fixed shape every
// pathway produces. The set of pathways is closed at compile time; none of
// them are swappable at runtime by design (spec §9: no plugin registries).
type PathwayOutput struct {
	Logits     [domain.NumModes]float64
	Confidence float64
}

// Logical applies rule-based evidence from the smoothed estimate:
// physiologically coherent combinations boost the matching mode's logit.
func Logical(est domain.Estimate) PathwayOutput {
	var out PathwayOutput
	if est.Confidence <= 0 {
		return out
	}

	switch {
	case est.HR >= 95 && est.RMSSD <= 30:
		out.Logits[domain.ModeStress] += 1.5
	case est.HR <= 62 && est.RMSSD >= 55:
		out.Logits[domain.ModeCalm] += 1.2
	case est.RR >= 18:
		out.Logits[domain.ModeEnergize] += 0.8
	case est.RR <= 10 && est.HR <= 65:
		out.Logits[domain.ModeSleepy] += 0.8
	}
	if est.HR > 70 && est.HR < 95 && est.RMSSD > 30 && est.RMSSD < 55 {
		out.Logits[domain.ModeFocus] += 0.5
	}

	out.Confidence = est.Confidence
	return out
}

// Contextual applies evidence from local hour, charging state, and recent
// session frequency.
func Contextual(ctx domain.Context) PathwayOutput {
	var out PathwayOutput
	bucket := domain.Bucket(ctx.LocalHour)

	switch bucket {
	case domain.BucketNight:
		out.Logits[domain.ModeSleepy] += 1.0
	case domain.BucketMorning:
		out.Logits[domain.ModeEnergize] += 0.5
		out.Logits[domain.ModeFocus] += 0.3
	case domain.BucketAfternoon:
		out.Logits[domain.ModeFocus] += 0.6
	case domain.BucketEvening:
		out.Logits[domain.ModeCalm] += 0.4
	}

	if !ctx.Charging && ctx.RecentSessionCnt > 3 {
		out.Logits[domain.ModeStress] += 0.3
	}

	out.Confidence = 0.6
	return out
}

// Biometric re-expresses the raw feature vector's quality/motion channels as
// evidence, degrading its own confidence when the sample is unreliable.
func Biometric(f domain.FeatureVector) PathwayOutput {
	var out PathwayOutput
	quality := f[domain.FeatQuality]
	motion := f[domain.FeatMotion]

	if motion > 0.5 {
		out.Logits[domain.ModeEnergize] += motion * 0.5
	} else if motion < 0.1 {
		out.Logits[domain.ModeCalm] += 0.2
	}

	out.Confidence = clamp01(quality * (1.0 - motion*0.5))
	return out
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
