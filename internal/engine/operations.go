package engine

import (
	"github.com/vagusloop/breathkernel/internal/belief"
	"github.com/vagusloop/breathkernel/internal/controller"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/errs"
	"github.com/vagusloop/breathkernel/internal/safety"
	"github.com/vagusloop/breathkernel/internal/store"
	"github.com/vagusloop/breathkernel/internal/trauma"
)

// StartSession marks a session active and resets per-session counters. It
// never errors: starting an already-active session is a caller bug the
// runtime should prevent, but the engine itself stays total.
func (e *Engine) StartSession(tsUs int64) PendingEvent {
	e.sessionActive = true
	e.totalCycles = 0
	e.lastDecision = nil
	e.lastPattern = nil
	e.lastMode = nil
	return PendingEvent{Kind: domain.EventSessionStarted, Payload: store.EncodeSessionStarted(tsUs), TsUs: tsUs}
}

// EndSession marks the session inactive.
func (e *Engine) EndSession(tsUs int64) PendingEvent {
	e.sessionActive = false
	return PendingEvent{Kind: domain.EventSessionEnded, Payload: store.EncodeSessionEnded(tsUs), TsUs: tsUs}
}

// IngestSensorWithContext is the primary perception-to-action path: it
// folds one feature vector into the estimator and FEP tracker, updates
// belief, proposes a control decision, and if the controller's debounce
// accepts a candidate, passes it through the safety guard swarm. It
// returns every event worth persisting, in the order they occurred.
func (e *Engine) IngestSensorWithContext(f domain.FeatureVector, tsUs int64) ([]PendingEvent, error) {
	var events []PendingEvent

	est := e.estimator.Ingest(f, tsUs)
	fepState := e.fep.Observe(f)

	logical := belief.Logical(est)
	contextual := belief.Contextual(e.ctx)
	biometric := belief.Biometric(f)
	beliefState := e.belief.Update(logical, contextual, biometric)

	events = append(events, PendingEvent{
		Kind:    domain.EventSensorFeaturesIngested,
		Payload: store.EncodeFeatureVector(f),
		TsUs:    tsUs,
	})
	events = append(events, PendingEvent{
		Kind:    domain.EventBeliefUpdated,
		Payload: store.EncodeBeliefState(beliefState),
		TsUs:    tsUs,
	})

	mode := beliefState.Mode
	e.lastMode = &mode

	decision, ok := e.controller.Propose(mode, est, fepState.LR, tsUs)
	if !ok {
		return events, nil
	}

	events = append(events, PendingEvent{
		Kind:    domain.EventControlDecisionMade,
		Payload: store.EncodeControlDecision(decision),
		TsUs:    tsUs,
	})

	if _, err := e.integrity.ValidateDecision(tsUs, decision); err != nil {
		return events, err
	}

	candidatePatch := controller.ToPatch(decision)

	e.comfortGuard.FreeEnergyEMA = fepState.FreeEnergyEMA
	e.resourceGuard.FreeEnergyEMA = fepState.FreeEnergyEMA

	accepted, reasonBits, err := safety.Decide(e.guards, candidatePatch, beliefState, e.phys, e.ctx, e.cfg.SafetyFlags, tsUs)
	if err != nil {
		reason, reasonOK := denyReasonFromErr(err)
		events = append(events, PendingEvent{
			Kind:    domain.EventControlDecisionDenied,
			Payload: store.EncodeDenyReason(reasonBits, reason),
			TsUs:    tsUs,
		})
		if reasonOK {
			sig := trauma.Signature(e.cfg.Goal, mode, e.cfg.PatternID, domain.Bucket(e.ctx.LocalHour))
			e.traumaReg.RecordNegativeFeedback(sig, tsUs, domain.ResultRejected.Severity())
		}
		return events, nil
	}

	events = append(events, PendingEvent{
		Kind:    domain.EventPatternAdjusted,
		Payload: store.EncodePatternPatch(accepted),
		TsUs:    tsUs,
	})
	events = append(events, PendingEvent{
		Kind:    domain.EventPolicyChosen,
		Payload: store.EncodePolicyChosen(mode, reasonBits),
		TsUs:    tsUs,
	})

	e.lastDecision = &decision
	e.lastPattern = &accepted
	e.phys.LastAcceptedRR = accepted.TargetRR
	e.phys.HasLastAccepted = true
	e.phys.LastDecisionTsUs = tsUs
	e.phase.SetPattern(accepted)

	return events, nil
}

// Tick advances the phase machine by dtUs. Phase transitions themselves
// are never persisted (spec: "phase ticks never persisted"); only a
// completed cycle boundary produces an event.
func (e *Engine) Tick(dtUs int64, nowTsUs int64) []PendingEvent {
	completed := e.phase.Tick(dtUs)
	if completed == 0 {
		return nil
	}
	e.totalCycles += completed
	return []PendingEvent{{
		Kind:    domain.EventCycleCompleted,
		Payload: store.EncodeCycleCompleted(e.totalCycles),
		TsUs:    nowTsUs,
	}}
}

// ReportActionOutcome folds a user-facing action result into the FEP
// feedback loop and, for a non-successful outcome, into the trauma
// registry keyed on the current mode/pattern/context signature.
func (e *Engine) ReportActionOutcome(o domain.ActionOutcome) PendingEvent {
	e.fep.ProcessFeedback(o.Success)

	if !o.Success {
		mode := domain.ModeCalm
		if e.lastMode != nil {
			mode = *e.lastMode
		}
		sig := trauma.Signature(e.cfg.Goal, mode, e.cfg.PatternID, domain.Bucket(e.ctx.LocalHour))
		e.traumaReg.RecordNegativeFeedback(sig, o.TimestampUs, o.ResultType.Severity())
	}

	return PendingEvent{
		Kind:    domain.EventActionOutcome,
		Payload: store.EncodeActionOutcome(o),
		TsUs:    o.TimestampUs,
	}
}

// denyReasonFromErr recovers the reason code carried by a
// DenyByGuard/GuardConflict error for the persisted deny event and for the
// trauma signature's own record. A GuardConflict is a configuration fault,
// not a user-facing denial, so it is not fed into trauma.
func denyReasonFromErr(err error) (string, bool) {
	kind, ok := errs.KindOf(err)
	if !ok {
		return "unknown", false
	}
	msg := "unknown"
	if e, ok := err.(*errs.Error); ok {
		msg = e.Message
	}
	switch kind {
	case errs.KindDenyByGuard:
		return msg, true
	case errs.KindGuardConflict:
		return msg, false
	default:
		return msg, false
	}
}
