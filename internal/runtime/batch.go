package runtime

import (
	"context"
	"math"
	"time"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/engine"
	"github.com/vagusloop/breathkernel/internal/store"
)

// enqueue applies the downsample policy to one engine-produced event, and
// if it is to be persisted, assigns it the next sequence number, appends
// it to the buffer, and submits the buffer if a batching trigger fires.
// Must be called with r.mu held.
func (r *Runtime) enqueue(ev engine.PendingEvent, nowTsUs int64) error {
	if !r.shouldPersist(ev) {
		return nil
	}

	env := domain.Envelope{
		SessionID: r.sessionID,
		Seq:       r.nextSeq,
		TsUs:      ev.TsUs,
		Kind:      ev.Kind,
	}
	r.nextSeq++
	r.buf = append(r.buf, store.EncodedEnvelope{Envelope: env, Payload: ev.Payload})
	r.bufBytes += len(ev.Payload)

	if r.triggeredLocked() {
		return r.submitLocked(r.ctx)
	}
	return nil
}

func (r *Runtime) triggeredLocked() bool {
	return len(r.buf) >= r.cfg.Store.BatchLenTrigger ||
		r.bufBytes >= r.cfg.Store.BatchBytesTrigger ||
		time.Since(r.lastFlushAt) >= time.Duration(r.cfg.Store.BatchElapsedMs)*time.Millisecond
}

// submitLocked hands the current buffer to the writer task and clears it
// on success. Must be called with r.mu held; the writer's own Append call
// does not re-enter the engine, so holding the lock across it is safe.
func (r *Runtime) submitLocked(ctx context.Context) error {
	if len(r.buf) == 0 {
		return nil
	}
	if err := r.wr.Append(ctx, r.sessionID, r.sessionKey, r.buf); err != nil {
		return err
	}
	r.buf = nil
	r.bufBytes = 0
	r.lastFlushAt = time.Now()
	return nil
}

// shouldPersist implements spec's downsampling rule: SensorFeaturesIngested
// at <= 2 Hz; ControlDecisionMade on meaningful change or <= 2 Hz;
// ControlDecisionDenied sharing the same 2 Hz gate (a rejected proposal
// recurs far more often than an accepted one and carries less information
// per occurrence). Every other event kind is always persisted.
func (r *Runtime) shouldPersist(ev engine.PendingEvent) bool {
	switch ev.Kind {
	case domain.EventSensorFeaturesIngested:
		if !r.haveLastSensorPersist || ev.TsUs-r.lastSensorPersistTsUs >= downsampleIntervalUs {
			r.lastSensorPersistTsUs = ev.TsUs
			r.haveLastSensorPersist = true
			return true
		}
		return false

	case domain.EventControlDecisionMade:
		meaningfulChange := r.isMeaningfulDecisionChange(ev.Payload)
		onRateGate := !r.haveLastDecisionPersist || ev.TsUs-r.lastDecisionPersistTsUs >= downsampleIntervalUs
		if meaningfulChange || onRateGate {
			if d, err := store.DecodeControlDecision(ev.Payload); err == nil {
				r.lastDecisionTargetBPM = d.TargetRateBPM
			}
			r.lastDecisionPersistTsUs = ev.TsUs
			r.haveLastDecisionPersist = true
			return true
		}
		return false

	case domain.EventControlDecisionDenied:
		if !r.haveLastDecisionPersist || ev.TsUs-r.lastDecisionPersistTsUs >= downsampleIntervalUs {
			r.lastDecisionPersistTsUs = ev.TsUs
			r.haveLastDecisionPersist = true
			return true
		}
		return false

	default:
		return true
	}
}

// isMeaningfulDecisionChange decodes the candidate decision and compares
// its target rate against the last decision this runtime chose to
// persist, using the controller's own epsilon as the meaningful-change
// threshold so the downsample policy and the controller's own debounce
// agree on what counts as "different".
func (r *Runtime) isMeaningfulDecisionChange(payload []byte) bool {
	d, err := store.DecodeControlDecision(payload)
	if err != nil {
		return true
	}
	if !r.haveLastDecisionPersist {
		return true
	}
	return math.Abs(d.TargetRateBPM-r.lastDecisionTargetBPM) > r.cfg.Controller.EpsilonBPM
}
