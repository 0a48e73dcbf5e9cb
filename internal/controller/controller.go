// Package controller turns belief and estimate state into proposed breath
// control decisions, and runs the phase machine that times one breath
// cycle. It is grounded on the teacher's escalation severity/threshold
// machinery: the same idea of a debounced target that only moves when a
// sustained, meaningfully-sized signal crosses a threshold.
package controller

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
)

// Config holds the controller tunables from spec §6's `controller` section.
type Config struct {
	MinDecisionIntervalMs int64
	EpsilonBPM            float64
}

// DefaultConfig matches spec §4.5's named defaults.
func DefaultConfig() Config {
	return Config{MinDecisionIntervalMs: 500, EpsilonBPM: 0.3}
}

// modeBaselineBPM is the target breath rate a collapsed mode nudges toward.
// Calm and Stress favor slow breathing (a classic down-regulation target);
// Energize and Focus tolerate a faster cadence; Sleepy nudges toward the
// slowest rate to encourage settling.
var modeBaselineBPM = [domain.NumModes]float64{
	domain.ModeCalm:     6.0,
	domain.ModeStress:   5.0,
	domain.ModeFocus:    8.0,
	domain.ModeSleepy:   4.0,
	domain.ModeEnergize: 10.0,
}

// Controller proposes target breath rates and never errors; a "no change"
// outcome is represented by Propose returning ok=false.
type Controller struct {
	cfg          Config
	lastDecision *domain.ControlDecision
	lastTsUs     int64
	haveLast     bool
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// LastDecision returns the most recently accepted decision, if any.
func (c *Controller) LastDecision() *domain.ControlDecision {
	return c.lastDecision
}

// Propose computes a candidate target rate from the collapsed mode, the
// smoothed estimate, and the FEP learning rate, then applies the minimum
// decision interval and epsilon-threshold debounce. ok is false when the
// interval hasn't elapsed or the change is too small to matter.
func (c *Controller) Propose(mode domain.Mode, est domain.Estimate, lr float64, nowTsUs int64) (domain.ControlDecision, bool) {
	baseline := modeBaselineBPM[mode]

	var target float64
	if c.lastDecision == nil {
		target = baseline
	} else {
		// lr gates aggressiveness: a confident (high-lr) tracker moves the
		// target further toward the mode baseline per decision.
		target = c.lastDecision.TargetRateBPM + lr*(baseline-c.lastDecision.TargetRateBPM)
	}

	confidence := clamp01(est.Confidence)
	decision := domain.ControlDecision{TargetRateBPM: target, Confidence: confidence}

	if c.haveLast {
		elapsedMs := (nowTsUs - c.lastTsUs) / 1000
		if elapsedMs < c.cfg.MinDecisionIntervalMs {
			return domain.ControlDecision{}, false
		}
		if c.lastDecision != nil && math.Abs(target-c.lastDecision.TargetRateBPM) < c.cfg.EpsilonBPM {
			return domain.ControlDecision{}, false
		}
	}

	c.lastDecision = &decision
	c.lastTsUs = nowTsUs
	c.haveLast = true
	return decision, true
}

// ToPatch converts an accepted ControlDecision into a proposed PatternPatch
// using a fixed inhale:hold:exhale:hold ratio of 4:1:5:0 over the implied
// cycle duration (60/target_rr seconds).
func ToPatch(d domain.ControlDecision) domain.PatternPatch {
	cycleSec := 60.0 / d.TargetRateBPM
	return domain.PatternPatch{
		TargetRR:   d.TargetRateBPM,
		InhaleSec:  cycleSec * 0.4,
		HoldInSec:  cycleSec * 0.1,
		ExhaleSec:  cycleSec * 0.5,
		HoldOutSec: 0,
	}
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
