package engine

import (
	"fmt"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/store"
)

// Apply feeds one previously persisted event back into the engine,
// reconstructing exactly the subset of state domain.BreathState hashes:
// session activity, completed cycle count, the last accepted decision and
// pattern, and the collapsed mode. It does not recompute belief/FEP/
// estimator internals from SensorFeaturesIngested payloads, since those
// never reach BreathState directly; replaying them is unnecessary for hash
// equivalence and would only reintroduce floating-point re-derivation risk
// that decoding the already-decided payload avoids.
func (e *Engine) Apply(kind domain.EventKind, payload []byte, tsUs int64) error {
	switch kind {
	case domain.EventSessionStarted:
		e.sessionActive = true
		e.totalCycles = 0
		e.lastDecision = nil
		e.lastPattern = nil
		e.lastMode = nil
		e.replayPendingDecision = nil
		return nil

	case domain.EventSessionEnded:
		e.sessionActive = false
		return nil

	case domain.EventSensorFeaturesIngested, domain.EventActionOutcome, domain.EventTombstone:
		return nil

	case domain.EventBeliefUpdated:
		bs, err := store.DecodeBeliefState(payload)
		if err != nil {
			return fmt.Errorf("engine: apply belief_updated: %w", err)
		}
		mode := bs.Mode
		e.lastMode = &mode
		return nil

	case domain.EventControlDecisionMade:
		d, err := store.DecodeControlDecision(payload)
		if err != nil {
			return fmt.Errorf("engine: apply control_decision_made: %w", err)
		}
		e.replayPendingDecision = &d
		return nil

	case domain.EventControlDecisionDenied:
		e.replayPendingDecision = nil
		return nil

	case domain.EventPatternAdjusted:
		p, err := store.DecodePatternPatch(payload)
		if err != nil {
			return fmt.Errorf("engine: apply pattern_adjusted: %w", err)
		}
		e.lastPattern = &p
		if e.replayPendingDecision != nil {
			d := *e.replayPendingDecision
			e.lastDecision = &d
			e.replayPendingDecision = nil
		}
		return nil

	case domain.EventPolicyChosen:
		mode, _, err := store.DecodePolicyChosen(payload)
		if err != nil {
			return fmt.Errorf("engine: apply policy_chosen: %w", err)
		}
		e.lastMode = &mode
		return nil

	case domain.EventCycleCompleted:
		total, err := store.DecodeCycleCompleted(payload)
		if err != nil {
			return fmt.Errorf("engine: apply cycle_completed: %w", err)
		}
		e.totalCycles = total
		return nil

	default:
		return fmt.Errorf("engine: apply: unknown event kind %d", kind)
	}
}
