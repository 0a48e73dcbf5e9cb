package safety

import (
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/errs"
)

// unconstrainedClamp is the identity element for Clamp.Intersect: wide
// enough that any real guard's clamp narrows it, used as the starting
// accumulator before the first guard is folded in.
func unconstrainedClamp() domain.Clamp {
	return domain.Clamp{RRMin: -1e18, RRMax: 1e18, HoldMaxSec: 1e18, MaxDeltaRRPerMin: 1e18}
}

// Decide evaluates guards in fixed order and either returns the
// consensus-clamped patch with a reason-bits mask recording which guards
// were consulted, or an error: DenyByGuard for a normal veto,
// GuardConflict if the intersected clamp is unsatisfiable.
func Decide(guards []Guard, patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, flags Flags, nowTsUs int64) (domain.PatternPatch, uint8, error) {
	acc := unconstrainedClamp()
	var reasonBits uint8

	for _, g := range guards {
		idx := g.Index()
		if !flags.Enabled(idx) {
			continue
		}
		v := g.Evaluate(patch, belief, phys, ctx, nowTsUs)
		reasonBits |= 1 << uint(idx)
		if v.Kind == VoteDeny {
			return domain.PatternPatch{}, reasonBits, errs.NewDenyByGuard(reasonBits)
		}
		acc = acc.Intersect(v.Clamp)
	}

	if acc.RRMin > acc.RRMax {
		return domain.PatternPatch{}, reasonBits, errs.NewGuardConflict("guard_conflict_unsatisfiable_range")
	}
	if acc.HoldMaxSec <= 0 {
		return domain.PatternPatch{}, reasonBits, errs.NewGuardConflict("guard_conflict_invalid_hold_time")
	}
	if acc.MaxDeltaRRPerMin <= 0 {
		return domain.PatternPatch{}, reasonBits, errs.NewGuardConflict("guard_conflict_invalid_rate_limit")
	}

	return applyClamp(patch, acc), reasonBits, nil
}

func applyClamp(patch domain.PatternPatch, c domain.Clamp) domain.PatternPatch {
	rr := patch.TargetRR
	if rr < c.RRMin {
		rr = c.RRMin
	}
	if rr > c.RRMax {
		rr = c.RRMax
	}

	out := patch
	if rr != patch.TargetRR {
		scale := rr / patch.TargetRR
		if patch.TargetRR == 0 {
			scale = 1
		}
		out.TargetRR = rr
		out.InhaleSec *= scale
		out.ExhaleSec *= scale
		out.HoldInSec *= scale
		out.HoldOutSec *= scale
	}

	if out.HoldInSec > c.HoldMaxSec {
		out.HoldInSec = c.HoldMaxSec
	}
	if out.HoldOutSec > c.HoldMaxSec {
		out.HoldOutSec = c.HoldMaxSec
	}

	return out
}
