package controller

import "github.com/vagusloop/breathkernel/internal/domain"

// PhaseMachine splits one breath cycle into Inhale -> HoldIn -> Exhale ->
// HoldOut per the durations of the active pattern. Phase ticks are
// ephemeral and must never be persisted; only completed-cycle boundaries
// may be.
type PhaseMachine struct {
	pattern    domain.PatternPatch
	phase      domain.Phase
	elapsedUs  int64
	cycleCount uint64
}

// NewPhaseMachine starts in Inhale with a zero-duration pattern; SetPattern
// must be called before the first meaningful tick.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{phase: domain.PhaseInhale}
}

// SetPattern installs a new pattern to time against. It does not reset
// progress within the current phase.
func (m *PhaseMachine) SetPattern(p domain.PatternPatch) {
	m.pattern = p
}

// Phase returns the current phase.
func (m *PhaseMachine) Phase() domain.Phase {
	return m.phase
}

// CycleCount returns the total completed cycles.
func (m *PhaseMachine) CycleCount() uint64 {
	return m.cycleCount
}

// Tick advances the phase machine by dt_us and returns the number of
// cycles completed during this tick (0, 1, or more for large dt_us jumps).
func (m *PhaseMachine) Tick(dtUs int64) uint64 {
	if dtUs <= 0 {
		return 0
	}
	m.elapsedUs += dtUs

	completed := uint64(0)
	guard := 0
	for {
		guard++
		if guard > 10_000 {
			// Pathological pattern (all phases zero-duration); stop rather
			// than spin forever.
			break
		}
		durUs := m.currentPhaseDurationUs()
		if durUs > 0 && m.elapsedUs < durUs {
			break
		}
		if durUs > 0 {
			m.elapsedUs -= durUs
		}
		if m.advancePhase() {
			completed++
			m.cycleCount++
		}
	}
	return completed
}

func (m *PhaseMachine) currentPhaseDurationUs() int64 {
	var sec float64
	switch m.phase {
	case domain.PhaseInhale:
		sec = m.pattern.InhaleSec
	case domain.PhaseHoldIn:
		sec = m.pattern.HoldInSec
	case domain.PhaseExhale:
		sec = m.pattern.ExhaleSec
	case domain.PhaseHoldOut:
		sec = m.pattern.HoldOutSec
	}
	return int64(sec * 1e6)
}

// advancePhase moves to the next phase in the ring (zero-duration phases are
// passed over by Tick's loop, not here) and reports whether a full cycle (wrap back to Inhale) just completed.
func (m *PhaseMachine) advancePhase() bool {
	switch m.phase {
	case domain.PhaseInhale:
		m.phase = domain.PhaseHoldIn
	case domain.PhaseHoldIn:
		m.phase = domain.PhaseExhale
	case domain.PhaseExhale:
		m.phase = domain.PhaseHoldOut
	case domain.PhaseHoldOut:
		m.phase = domain.PhaseInhale
		return true
	}
	return false
}
