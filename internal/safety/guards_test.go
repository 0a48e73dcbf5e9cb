package safety

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vagusloop/breathkernel/internal/domain"
)

type fakeTraumaQuerier struct {
	sevEff       float64
	inhibitUntil int64
	found        bool
}

func (f fakeTraumaQuerier) Query(sig [32]byte, nowTsUs int64) (float64, int64, bool) {
	return f.sevEff, f.inhibitUntil, f.found
}

func TestTraumaGuard_DeniesWhileInhibited(t *testing.T) {
	g := &TraumaGuard{
		Registry:  fakeTraumaQuerier{inhibitUntil: 1000, found: true},
		Signature: func(string, domain.Mode, string, domain.ContextBucket) [32]byte { return [32]byte{} },
	}
	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, 500)
	require.Equal(t, VoteDeny, v.Kind)
}

func TestTraumaGuard_AllowsAfterInhibitExpires(t *testing.T) {
	g := &TraumaGuard{
		Registry:  fakeTraumaQuerier{inhibitUntil: 1000, found: true},
		Signature: func(string, domain.Mode, string, domain.ContextBucket) [32]byte { return [32]byte{} },
	}
	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, 1500)
	require.Equal(t, VoteAllow, v.Kind)
}

func TestConfidenceGuard_DeniesBelowThreshold(t *testing.T) {
	g := &ConfidenceGuard{MinConfidence: 0.5}
	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{Confidence: 0.2}, PhysicalState{}, domain.Context{}, 0)
	require.Equal(t, VoteDeny, v.Kind)
}

func TestResourceGuard_DeniesHighIntensityUnpluggedLowFE(t *testing.T) {
	g := &ResourceGuard{HighIntensityRR: 10, FreeEnergyEMA: 0.1, LowFELowerBound: 1.0}
	v := g.Evaluate(domain.PatternPatch{TargetRR: 12}, domain.BeliefState{}, PhysicalState{Charging: false}, domain.Context{}, 0)
	require.Equal(t, VoteDeny, v.Kind)
}

func TestResourceGuard_AllowsWhileCharging(t *testing.T) {
	g := &ResourceGuard{HighIntensityRR: 10, FreeEnergyEMA: 0.1, LowFELowerBound: 1.0}
	v := g.Evaluate(domain.PatternPatch{TargetRR: 12}, domain.BeliefState{}, PhysicalState{Charging: true}, domain.Context{}, 0)
	require.Equal(t, VoteAllow, v.Kind)
}

func TestRateLimitGuard_UnconstrainedWithoutPriorDecision(t *testing.T) {
	g := &RateLimitGuard{MaxDeltaRRPerMin: 4}
	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, 0)
	require.Equal(t, VoteAllow, v.Kind)
	require.Greater(t, v.Clamp.RRMax, 1e6)
}

func TestRateLimitGuard_BoundsAroundLastAcceptedScaledByElapsed(t *testing.T) {
	g := &RateLimitGuard{MaxDeltaRRPerMin: 4}
	phys := PhysicalState{HasLastAccepted: true, LastAcceptedRR: 10, LastDecisionTsUs: 0}

	// One full minute elapsed: the window should span +/- MaxDeltaRRPerMin.
	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, phys, domain.Context{}, 60_000_000)
	require.InDelta(t, 6, v.Clamp.RRMin, 1e-9)
	require.InDelta(t, 14, v.Clamp.RRMax, 1e-9)
}

func TestRateLimitGuard_FloorsNearZeroElapsedToAvoidFreezing(t *testing.T) {
	g := &RateLimitGuard{MaxDeltaRRPerMin: 4}
	phys := PhysicalState{HasLastAccepted: true, LastAcceptedRR: 10, LastDecisionTsUs: 0}

	v := g.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, phys, domain.Context{}, 1)
	require.Less(t, v.Clamp.RRMin, 10.0)
	require.Greater(t, v.Clamp.RRMax, 10.0)
}

func TestComfortGuard_ShrinksRangeWithHighFreeEnergy(t *testing.T) {
	calm := &ComfortGuard{BaseRRMin: 2, BaseRRMax: 20, FreeEnergyEMA: 0}
	tense := &ComfortGuard{BaseRRMin: 2, BaseRRMax: 20, FreeEnergyEMA: 10}

	vc := calm.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, 0)
	vt := tense.Evaluate(domain.PatternPatch{}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, 0)

	require.Less(t, vc.Clamp.RRMin, vt.Clamp.RRMin)
	require.Greater(t, vc.Clamp.RRMax, vt.Clamp.RRMax)
}
