package safety

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/errs"
)

type fixedGuard struct {
	idx  int
	vote Vote
}

func (f fixedGuard) Index() int { return f.idx }
func (f fixedGuard) Evaluate(domain.PatternPatch, domain.BeliefState, PhysicalState, domain.Context, int64) Vote {
	return f.vote
}

func TestDecide_GuardConflictUnsatisfiableRange(t *testing.T) {
	guards := []Guard{
		fixedGuard{idx: 0, vote: Allow(domain.Clamp{RRMin: 8, RRMax: 12, HoldMaxSec: 10, MaxDeltaRRPerMin: 10})},
		fixedGuard{idx: 1, vote: Allow(domain.Clamp{RRMin: 4, RRMax: 6, HoldMaxSec: 10, MaxDeltaRRPerMin: 10})},
	}

	_, _, err := Decide(guards, domain.PatternPatch{TargetRR: 6}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, AllEnabled(), 0)
	require.Error(t, err)
	k, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindGuardConflict, k)
}

func TestDecide_DenyShortCircuits(t *testing.T) {
	called := false
	guards := []Guard{
		fixedGuard{idx: 0, vote: Deny("trauma_inhibited")},
		trackingGuard{idx: 1, called: &called},
	}

	_, reasonBits, err := Decide(guards, domain.PatternPatch{TargetRR: 6}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, AllEnabled(), 0)
	require.Error(t, err)
	k, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindDenyByGuard, k)
	require.False(t, called, "remaining guards must not be evaluated after a deny")
	require.Equal(t, uint8(1), reasonBits)
}

type trackingGuard struct {
	idx    int
	called *bool
}

func (g trackingGuard) Index() int { return g.idx }
func (g trackingGuard) Evaluate(domain.PatternPatch, domain.BeliefState, PhysicalState, domain.Context, int64) Vote {
	*g.called = true
	return Allow(unconstrainedClamp())
}

func TestDecide_IntersectsAllowClampsAndApplies(t *testing.T) {
	guards := []Guard{
		fixedGuard{idx: 0, vote: Allow(domain.Clamp{RRMin: 4, RRMax: 20, HoldMaxSec: 10, MaxDeltaRRPerMin: 10})},
		fixedGuard{idx: 1, vote: Allow(domain.Clamp{RRMin: 2, RRMax: 8, HoldMaxSec: 5, MaxDeltaRRPerMin: 20})},
	}

	patch, _, err := Decide(guards, domain.PatternPatch{TargetRR: 100, InhaleSec: 10, ExhaleSec: 10}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, AllEnabled(), 0)
	require.NoError(t, err)
	require.Equal(t, 8.0, patch.TargetRR, "clamped to intersected rr_max")
}

func TestDecide_DisabledGuardIsSkipped(t *testing.T) {
	guards := []Guard{
		fixedGuard{idx: 0, vote: Deny("would_deny_if_enabled")},
	}
	flags := Flags{EnabledBits: 0}

	_, reasonBits, err := Decide(guards, domain.PatternPatch{TargetRR: 6}, domain.BeliefState{}, PhysicalState{}, domain.Context{}, flags, 0)
	require.NoError(t, err)
	require.Equal(t, uint8(0), reasonBits)
}
