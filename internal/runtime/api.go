package runtime

import (
	"math"
	"strings"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/store"
)

// IngestObservation accepts the full Observation record, derives a
// FeatureVector from whichever sub-records are present, and feeds it
// through IngestSensorWithContext. Per spec, every Observation numeric
// field is independently nullable and "absence means not observed this
// tick" — so missing bio-metric channels are carried as NaN rather than
// a physiological zero, and the estimator/FEP both treat NaN as "skip
// this channel" rather than as a real zero-valued sample. Quality is
// derived as 1-noise_lvl when environmental noise is reported, else the
// spec default 1.0; motion is derived from digital interaction intensity
// when reported, else the spec default 0.0 — there is no richer motion
// channel in Observation, so interaction intensity is the closest
// available proxy for physical restlessness. Unlike the bio channels,
// quality/motion are derived signal-quality proxies the spec always
// assigns a default to, not optional passthroughs, so they are never NaN.
func (r *Runtime) IngestObservation(o domain.Observation) error {
	f := domain.FeatureVector{math.NaN(), math.NaN(), math.NaN(), 1.0, 0.0}
	if o.Bio != nil {
		if o.Bio.HeartRateBPM != nil {
			f[domain.FeatHR] = *o.Bio.HeartRateBPM
		}
		if o.Bio.RMSSDMs != nil {
			f[domain.FeatRMSSD] = *o.Bio.RMSSDMs
		}
		if o.Bio.RespRateBPM != nil {
			f[domain.FeatRR] = *o.Bio.RespRateBPM
		}
	}
	if o.Env != nil && o.Env.NoiseLvl != nil {
		f[domain.FeatQuality] = 1.0 - *o.Env.NoiseLvl
	}
	if o.Digital != nil && o.Digital.InteractionIntensity != nil {
		f[domain.FeatMotion] = *o.Digital.InteractionIntensity
	}
	if o.Env != nil && o.Env.Charging != nil {
		r.mu.Lock()
		r.engine.UpdateContext(domain.Context{Charging: *o.Env.Charging})
		r.mu.Unlock()
	}
	return r.IngestSensorWithContext(f, o.TimestampUs)
}

// IngestSensorWithContext is the raw feature-vector path: it drives the
// engine's perception-to-action pipeline and enqueues every event the
// engine decides is worth persisting, subject to the runtime's
// downsampling policy.
func (r *Runtime) IngestSensorWithContext(f domain.FeatureVector, tsUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevMode := r.engine.BeliefState().Mode

	events, err := r.engine.IngestSensorWithContext(f, tsUs)
	if err != nil {
		return err
	}

	r.metrics.BeliefUpdatesTotal.Inc()
	newBelief := r.engine.BeliefState()
	r.metrics.BeliefConfidence.Set(newBelief.Confidence)
	r.metrics.FreeEnergyEMA.Set(r.engine.FepState().FreeEnergyEMA)
	if newBelief.Mode != prevMode {
		r.metrics.ModeCollapsesTotal.WithLabelValues(newBelief.Mode.String()).Inc()
	}

	for _, ev := range events {
		switch ev.Kind {
		case domain.EventPatternAdjusted:
			if p, derr := store.DecodePatternPatch(ev.Payload); derr == nil {
				r.policyCursor++
				r.latestPolicy = &PolicySnapshot{
					Cursor:  r.policyCursor,
					Pattern: p,
					Mode:    newBelief.Mode,
					TsUs:    ev.TsUs,
				}
			}
		case domain.EventControlDecisionDenied:
			if _, reason, derr := store.DecodeDenyReason(ev.Payload); derr == nil {
				if strings.HasPrefix(reason, "guard_conflict_") {
					r.metrics.GuardConflictsTotal.Inc()
				} else {
					r.metrics.GuardDeniesTotal.WithLabelValues(reason).Inc()
				}
			}
		}
		if err := r.enqueue(ev, tsUs); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContext installs debounced last-write-wins contextual state. It is
// never itself persisted; it only shapes the next belief update and
// trauma signature.
func (r *Runtime) UpdateContext(ctx domain.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.UpdateContext(ctx)
}

// Tick advances the phase machine by dtUs and enqueues a CycleCompleted
// event for every cycle boundary crossed. Intermediate phase transitions
// are never persisted.
func (r *Runtime) Tick(dtUs, nowTsUs int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.engine.Tick(dtUs, nowTsUs)
	for _, ev := range events {
		if err := r.enqueue(ev, nowTsUs); err != nil {
			return r.engine.BreathState().TotalCycles, err
		}
	}
	return r.engine.BreathState().TotalCycles, nil
}

// ReportActionOutcome folds a collaborator-reported action result into the
// FEP feedback loop and trauma registry, and always persists the
// resulting ActionOutcome event (outcomes are rare enough, and important
// enough, that the downsample policy does not apply to them).
func (r *Runtime) ReportActionOutcome(o domain.ActionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.engine.ReportActionOutcome(o)
	if !o.Success {
		r.metrics.TraumaRecordsTotal.Inc()
		active := 0
		for _, h := range r.engine.TraumaRegistry().All() {
			if o.TimestampUs < h.InhibitUntilTsUs {
				active++
			}
		}
		r.metrics.TraumaEntriesActive.Set(float64(active))
	}
	return r.enqueue(ev, o.TimestampUs)
}

// Dashboard is the JSON-facing snapshot get_dashboard returns. It never
// participates in the hashing path; it exists purely for human/diagnostic
// consumption.
type Dashboard struct {
	SessionActive bool                    `json:"session_active"`
	TotalCycles   uint64                  `json:"total_cycles"`
	Phase         string                  `json:"phase"`
	Belief        domain.BeliefState      `json:"belief"`
	Estimate      domain.Estimate         `json:"estimate"`
	Fep           domain.FepState         `json:"fep"`
	LastDecision  *domain.ControlDecision `json:"last_decision,omitempty"`
	LastPattern   *domain.PatternPatch    `json:"last_pattern,omitempty"`
}

// GetDashboard returns a point-in-time snapshot of engine state for
// display; it takes no part in replay or hashing.
func (r *Runtime) GetDashboard() Dashboard {
	r.mu.Lock()
	defer r.mu.Unlock()

	bs := r.engine.BreathState()
	return Dashboard{
		SessionActive: bs.SessionActive,
		TotalCycles:   bs.TotalCycles,
		Phase:         r.engine.Phase().String(),
		Belief:        r.engine.BeliefState(),
		Estimate:      r.engine.Estimate(),
		Fep:           r.engine.FepState(),
		LastDecision:  bs.LastDecision,
		LastPattern:   bs.LastPattern,
	}
}

// SubscribePolicy implements the pull/poll outbound interface: it returns
// the latest accepted policy and true if it is newer than cursor, or
// (zero value, false) if the caller is already caught up.
func (r *Runtime) SubscribePolicy(cursor uint64) (PolicySnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.latestPolicy == nil || r.latestPolicy.Cursor <= cursor {
		return PolicySnapshot{}, false
	}
	return *r.latestPolicy, true
}

// StateHash returns the live fixed-point hash of the current session's
// BreathState (spec §4.8). It exists for the same reason a replay tool
// does: an operator or audit job can compare this against
// replay.Replay(exported envelopes).Hash to confirm the persisted log
// reconstructs the session that actually ran.
func (r *Runtime) StateHash() [32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Hash()
}

// ExportSession decrypts and decodes every envelope persisted so far for
// the current session, in seq order. It is read-only and does not touch
// engine state; it exists for replay verification and session export
// tooling, which both need the same decrypted envelope stream the writer
// itself produced.
func (r *Runtime) ExportSession() ([]domain.Envelope, error) {
	r.mu.Lock()
	sessionID, sessionKey := r.sessionID, r.sessionKey
	r.mu.Unlock()

	encoded, err := r.st.LoadSessionEnvelopes(sessionID, sessionKey)
	if err != nil {
		return nil, err
	}
	envs := make([]domain.Envelope, len(encoded))
	for i, e := range encoded {
		env := e.Envelope
		env.Payload = e.Payload
		envs[i] = env
	}
	return envs, nil
}
