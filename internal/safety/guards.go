package safety

import "github.com/vagusloop/breathkernel/internal/domain"

// TraumaQuerier is the narrow read interface TraumaGuard needs. The
// concrete trauma.Registry satisfies it; the interface exists so safety
// does not need to import trauma's mutation API.
type TraumaQuerier interface {
	Query(sig [32]byte, nowTsUs int64) (sevEff float64, inhibitUntilTsUs int64, found bool)
}

// SignatureFn computes the trauma context signature for a given mode and
// pattern; it is injected rather than imported to keep safety decoupled
// from the exact hashing scheme, though in practice it is trauma.Signature.
type SignatureFn func(goal string, mode domain.Mode, patternID string, bucket domain.ContextBucket) [32]byte

// TraumaGuard denies a patch whose context signature is currently inhibited.
type TraumaGuard struct {
	Registry  TraumaQuerier
	Signature SignatureFn
	Goal      string
	PatternID string
}

func (g *TraumaGuard) Index() int { return 0 }

func (g *TraumaGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	sig := g.Signature(g.Goal, belief.Mode, g.PatternID, domain.Bucket(ctx.LocalHour))
	_, inhibitUntil, found := g.Registry.Query(sig, nowTsUs)
	if found && nowTsUs < inhibitUntil {
		return Deny("trauma_inhibited")
	}
	return Allow(domain.Clamp{RRMin: -1e18, RRMax: 1e18, HoldMaxSec: 1e18, MaxDeltaRRPerMin: 1e18})
}

// ConfidenceGuard denies low-confidence belief states.
type ConfidenceGuard struct {
	MinConfidence float64
}

func (g *ConfidenceGuard) Index() int { return 1 }

func (g *ConfidenceGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	if belief.Confidence < g.MinConfidence {
		return Deny("low_confidence")
	}
	return Allow(domain.Clamp{RRMin: -1e18, RRMax: 1e18, HoldMaxSec: 1e18, MaxDeltaRRPerMin: 1e18})
}

// BreathBoundsGuard clamps to the absolute physiological rr/hold envelope.
type BreathBoundsGuard struct {
	RRMin      float64
	RRMax      float64
	MaxHoldSec float64
}

func (g *BreathBoundsGuard) Index() int { return 2 }

func (g *BreathBoundsGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	return Allow(domain.Clamp{
		RRMin:            g.RRMin,
		RRMax:            g.RRMax,
		HoldMaxSec:       g.MaxHoldSec,
		MaxDeltaRRPerMin: 1e18,
	})
}

// RateLimitGuard clamps the maximum change in target rr since the last
// accepted decision, scaled by elapsed wall-clock minutes so a longer gap
// since the last decision affords a proportionally larger step.
type RateLimitGuard struct {
	MaxDeltaRRPerMin float64
}

func (g *RateLimitGuard) Index() int { return 3 }

func (g *RateLimitGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	clamp := domain.Clamp{
		RRMin:            -1e18,
		RRMax:            1e18,
		HoldMaxSec:       1e18,
		MaxDeltaRRPerMin: g.MaxDeltaRRPerMin,
	}
	if phys.HasLastAccepted {
		elapsedMin := float64(nowTsUs-phys.LastDecisionTsUs) / 1e6 / 60.0
		// Floor elapsed time at one second of headroom: decisions fire far
		// more often than once a minute, and pro-rating the budget down to
		// the true (sub-second) elapsed interval would round every step's
		// allowance to ~0, freezing the controller permanently.
		const minElapsedMin = 1.0 / 60.0
		if elapsedMin < minElapsedMin {
			elapsedMin = minElapsedMin
		}
		maxDelta := g.MaxDeltaRRPerMin * elapsedMin
		clamp.RRMin = phys.LastAcceptedRR - maxDelta
		clamp.RRMax = phys.LastAcceptedRR + maxDelta
	}
	return Allow(clamp)
}

// ComfortGuard tightens clamps under elevated free energy: the higher the
// free-energy EMA, the narrower the allowed envelope, discouraging large
// control moves while the tracker is uncertain.
type ComfortGuard struct {
	BaseRRMin    float64
	BaseRRMax    float64
	FreeEnergyEMA float64
}

func (g *ComfortGuard) Index() int { return 4 }

func (g *ComfortGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	shrink := clamp01(g.FreeEnergyEMA/10.0) * 0.5 * (g.BaseRRMax - g.BaseRRMin)
	return Allow(domain.Clamp{
		RRMin:            g.BaseRRMin + shrink,
		RRMax:            g.BaseRRMax - shrink,
		HoldMaxSec:       1e18,
		MaxDeltaRRPerMin: 1e18,
	})
}

// ResourceGuard denies high-intensity actions (fast target rate) when the
// device is unplugged and the tracker's free energy is low (i.e. it is
// confident rather than struggling, so there is no strong need to spend
// battery on an aggressive intervention).
type ResourceGuard struct {
	HighIntensityRR float64
	FreeEnergyEMA   float64
	LowFELowerBound float64
}

func (g *ResourceGuard) Index() int { return 5 }

func (g *ResourceGuard) Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote {
	if !phys.Charging && patch.TargetRR >= g.HighIntensityRR && g.FreeEnergyEMA < g.LowFELowerBound {
		return Deny("battery_conservation")
	}
	return Allow(domain.Clamp{RRMin: -1e18, RRMax: 1e18, HoldMaxSec: 1e18, MaxDeltaRRPerMin: 1e18})
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
