// Package engine owns the single-threaded deterministic core: the belief
// fusion engine, FEP tracker, estimator, controller, phase machine, safety
// guard swarm, trauma registry, and integrity kernel, wired into one
// cooperative unit that both live operation and replay drive identically.
// It is grounded on the composition cmd/octoreflex/main.go's runWorker
// performs across the teacher's anomaly/escalation/governance packages:
// the same shape of "ingest signal, update internal trackers, propose an
// action, pass it through a veto layer, emit an auditable event", reshaped
// around the spec's belief/safety/trauma primitives instead of the
// teacher's anomaly-severity/budget primitives.
package engine

import (
	"github.com/vagusloop/breathkernel/internal/belief"
	"github.com/vagusloop/breathkernel/internal/controller"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/estimator"
	"github.com/vagusloop/breathkernel/internal/safety"
	"github.com/vagusloop/breathkernel/internal/trauma"
)

// Config aggregates every subsystem's tunables plus the engine's own fixed
// wiring constants (goal label, pattern id, guard thresholds).
type Config struct {
	Belief     belief.Config
	Fep        domain.FepConfig
	Controller controller.Config
	Trauma     trauma.Config
	Bounds     domain.ParameterBounds
	SafetyFlags safety.Flags

	Goal      string
	PatternID string

	ConfidenceGuardMin float64
	RRAbsMin           float64
	RRAbsMax           float64
	MaxHoldSec         float64
	MaxDeltaRRPerMin   float64
	HighIntensityRR    float64
	LowFELowerBound    float64
}

// DefaultConfig matches the named defaults across spec §4 and §6.
func DefaultConfig() Config {
	return Config{
		Belief:             belief.DefaultConfig(),
		Fep:                domain.DefaultFepConfig(),
		Controller:         controller.DefaultConfig(),
		Trauma:             trauma.DefaultConfig(),
		Bounds:             domain.DefaultParameterBounds(),
		SafetyFlags:        safety.AllEnabled(),
		Goal:               "breath_regulation",
		PatternID:          "adaptive_v1",
		ConfidenceGuardMin: 0.2,
		RRAbsMin:           3.0,
		RRAbsMax:           20.0,
		MaxHoldSec:         8.0,
		MaxDeltaRRPerMin:   4.0,
		HighIntensityRR:    14.0,
		LowFELowerBound:    1.0,
	}
}

// PendingEvent is one event the engine wants durably recorded, produced by
// a live operation and consumed identically by replay.
type PendingEvent struct {
	Kind    domain.EventKind
	Payload []byte
	TsUs    int64
}

// Engine is the cooperative core. It is not safe for concurrent use; the
// runtime layer serializes all calls onto a single goroutine.
type Engine struct {
	cfg Config

	belief     *belief.Engine
	fep        *belief.FEP
	estimator  *estimator.Estimator
	controller *controller.Controller
	phase      *controller.PhaseMachine
	traumaReg  *trauma.Registry
	integrity  *domain.IntegrityKernel

	guards        []safety.Guard
	comfortGuard  *safety.ComfortGuard
	resourceGuard *safety.ResourceGuard
	traumaGuard   *safety.TraumaGuard

	sessionActive bool
	totalCycles   uint64
	lastDecision  *domain.ControlDecision
	lastPattern   *domain.PatternPatch
	lastMode      *domain.Mode

	ctx  domain.Context
	phys safety.PhysicalState

	// replayPendingDecision holds a decoded ControlDecisionMade payload
	// between that event and its following PatternAdjusted/Denied event
	// during Apply; see replay_apply.go. It is unused on the live path,
	// where lastDecision is set directly once safety consensus accepts.
	replayPendingDecision *domain.ControlDecision
}

// New constructs an Engine wired exactly as spec §4 composes the
// pipeline: estimator feeds belief and FEP, belief and FEP feed the
// controller, the controller's proposal passes through the guard swarm
// before becoming an accepted pattern.
func New(cfg Config) *Engine {
	traumaReg := trauma.New(cfg.Trauma)

	traumaGuard := &safety.TraumaGuard{
		Registry:  traumaReg,
		Signature: trauma.Signature,
		Goal:      cfg.Goal,
		PatternID: cfg.PatternID,
	}
	confidenceGuard := &safety.ConfidenceGuard{MinConfidence: cfg.ConfidenceGuardMin}
	boundsGuard := &safety.BreathBoundsGuard{RRMin: cfg.RRAbsMin, RRMax: cfg.RRAbsMax, MaxHoldSec: cfg.MaxHoldSec}
	rateLimitGuard := &safety.RateLimitGuard{MaxDeltaRRPerMin: cfg.MaxDeltaRRPerMin}
	comfortGuard := &safety.ComfortGuard{BaseRRMin: cfg.RRAbsMin, BaseRRMax: cfg.RRAbsMax}
	resourceGuard := &safety.ResourceGuard{HighIntensityRR: cfg.HighIntensityRR, LowFELowerBound: cfg.LowFELowerBound}

	return &Engine{
		cfg:        cfg,
		belief:     belief.New(cfg.Belief),
		fep:        belief.NewFEP(cfg.Fep),
		estimator:  estimator.New(),
		controller: controller.New(cfg.Controller),
		phase:      controller.NewPhaseMachine(),
		traumaReg:  traumaReg,
		integrity:  domain.NewIntegrityKernel(cfg.Bounds),
		guards: []safety.Guard{
			traumaGuard,
			confidenceGuard,
			boundsGuard,
			rateLimitGuard,
			comfortGuard,
			resourceGuard,
		},
		comfortGuard:  comfortGuard,
		resourceGuard: resourceGuard,
		traumaGuard:   traumaGuard,
	}
}

// BreathState returns the hashable summary of session progress, matching
// exactly what domain.HashBreathState consumes.
func (e *Engine) BreathState() domain.BreathState {
	return domain.BreathState{
		SessionActive: e.sessionActive,
		TotalCycles:   e.totalCycles,
		LastDecision:  e.lastDecision,
		LastPattern:   e.lastPattern,
		Mode:          e.lastMode,
	}
}

// Hash returns the BLAKE3 digest of the current breath state, the live
// counterpart to replay's terminal hash.
func (e *Engine) Hash() [32]byte {
	return domain.HashBreathState(e.BreathState())
}

// BeliefState exposes the belief engine's current distribution, used by
// dashboards and by the runtime to decide whether a belief_updated event
// is worth persisting.
func (e *Engine) BeliefState() domain.BeliefState {
	return e.belief.State()
}

// FepState exposes the FEP tracker's current state.
func (e *Engine) FepState() domain.FepState {
	return e.fep.State()
}

// Estimate exposes the estimator's current smoothed estimate.
func (e *Engine) Estimate() domain.Estimate {
	return e.estimator.Current()
}

// Phase exposes the phase machine's current phase.
func (e *Engine) Phase() domain.Phase {
	return e.phase.Phase()
}

// TraumaRegistry exposes the registry for runtime persistence calls
// (Get/All/Restore); the engine itself only ever queries and records
// through the guard swarm and ReportActionOutcome.
func (e *Engine) TraumaRegistry() *trauma.Registry {
	return e.traumaReg
}

// UpdateContext installs new debounced contextual state, consumed by the
// Contextual pathway and by TraumaGuard's signature on the next decision.
func (e *Engine) UpdateContext(ctx domain.Context) {
	e.ctx = ctx
	e.phys.Charging = ctx.Charging
}
