package controller

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vagusloop/breathkernel/internal/domain"
)

func TestController_FirstProposalUsesModeBaseline(t *testing.T) {
	c := New(DefaultConfig())
	d, ok := c.Propose(domain.ModeCalm, domain.Estimate{Confidence: 0.9}, 0.5, 0)
	require.True(t, ok)
	require.Equal(t, modeBaselineBPM[domain.ModeCalm], d.TargetRateBPM)
}

func TestController_SuppressesWithinMinInterval(t *testing.T) {
	c := New(DefaultConfig())
	_, ok := c.Propose(domain.ModeCalm, domain.Estimate{Confidence: 0.9}, 0.5, 0)
	require.True(t, ok)

	_, ok = c.Propose(domain.ModeStress, domain.Estimate{Confidence: 0.9}, 0.5, 100_000)
	require.False(t, ok, "100ms < 500ms min interval")
}

func TestController_SuppressesMicroOscillation(t *testing.T) {
	c := New(Config{MinDecisionIntervalMs: 0, EpsilonBPM: 1.0})
	_, ok := c.Propose(domain.ModeCalm, domain.Estimate{Confidence: 0.9}, 0.01, 0)
	require.True(t, ok)

	_, ok = c.Propose(domain.ModeCalm, domain.Estimate{Confidence: 0.9}, 0.01, 1_000_000)
	require.False(t, ok, "lr=0.01 moves target far less than epsilon")
}

func TestController_AcceptsMeaningfulChangeAfterInterval(t *testing.T) {
	c := New(Config{MinDecisionIntervalMs: 0, EpsilonBPM: 0.1})
	_, ok := c.Propose(domain.ModeCalm, domain.Estimate{Confidence: 0.9}, 1.0, 0)
	require.True(t, ok)

	d, ok := c.Propose(domain.ModeEnergize, domain.Estimate{Confidence: 0.9}, 1.0, 1_000_000)
	require.True(t, ok)
	require.Equal(t, modeBaselineBPM[domain.ModeEnergize], d.TargetRateBPM)
}

func TestToPatch_DerivesPositiveDurations(t *testing.T) {
	p := ToPatch(domain.ControlDecision{TargetRateBPM: 6.0, Confidence: 0.9})
	require.Greater(t, p.InhaleSec, 0.0)
	require.Greater(t, p.ExhaleSec, 0.0)
	require.InDelta(t, 10.0, p.InhaleSec+p.HoldInSec+p.ExhaleSec+p.HoldOutSec, 1e-9)
}
