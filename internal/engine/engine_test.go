package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vagusloop/breathkernel/internal/domain"
)

func TestEngine_StartSessionResetsState(t *testing.T) {
	e := New(DefaultConfig())
	ev := e.StartSession(1_000_000)
	require.Equal(t, domain.EventSessionStarted, ev.Kind)
	require.True(t, e.sessionActive)
	require.Equal(t, uint64(0), e.totalCycles)
}

func TestEngine_IngestSensorProducesSensorAndBeliefEvents(t *testing.T) {
	e := New(DefaultConfig())
	e.StartSession(0)
	e.UpdateContext(domain.Context{LocalHour: 14, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	events, err := e.IngestSensorWithContext(f, 1_000_000)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, domain.EventSensorFeaturesIngested, events[0].Kind)
	require.Equal(t, domain.EventBeliefUpdated, events[1].Kind)
}

func TestEngine_RepeatedIngestEventuallyProducesAControllerVerdict(t *testing.T) {
	e := New(DefaultConfig())
	e.StartSession(0)
	e.UpdateContext(domain.Context{LocalHour: 10, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	var sawVerdict bool
	tsUs := int64(0)
	for i := 0; i < 20; i++ {
		tsUs += 600_000 // exceed min decision interval between proposals
		events, err := e.IngestSensorWithContext(f, tsUs)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Kind == domain.EventPatternAdjusted || ev.Kind == domain.EventControlDecisionDenied {
				sawVerdict = true
			}
		}
	}
	require.True(t, sawVerdict, "expected the safety swarm to reach a verdict on at least one proposed decision")
}

func TestEngine_TickNeverPersistsUntilCycleCompletes(t *testing.T) {
	e := New(DefaultConfig())
	e.StartSession(0)
	e.phase.SetPattern(domain.PatternPatch{TargetRR: 6, InhaleSec: 2, HoldInSec: 0.5, ExhaleSec: 2.5, HoldOutSec: 0})

	events := e.Tick(1_000_000, 1_000_000) // 1s, well short of a full cycle
	require.Empty(t, events)
}

func TestEngine_TickEmitsCycleCompletedOnWrap(t *testing.T) {
	e := New(DefaultConfig())
	e.StartSession(0)
	e.phase.SetPattern(domain.PatternPatch{TargetRR: 6, InhaleSec: 1, HoldInSec: 1, ExhaleSec: 1, HoldOutSec: 1})

	events := e.Tick(4_000_000, 4_000_000) // exactly one full 4s cycle
	require.Len(t, events, 1)
	require.Equal(t, domain.EventCycleCompleted, events[0].Kind)
	require.Equal(t, uint64(1), e.totalCycles)
}

func TestEngine_ReportActionOutcomeAppliesFeedback(t *testing.T) {
	e := New(DefaultConfig())
	e.StartSession(0)
	before := e.FepState().LR

	ev := e.ReportActionOutcome(domain.ActionOutcome{
		ActionID:    "a1",
		Success:     false,
		ResultType:  domain.ResultRejected,
		TimestampUs: 1_000_000,
	})
	require.Equal(t, domain.EventActionOutcome, ev.Kind)
	require.Less(t, e.FepState().LR, before, "failure feedback should lower the learning rate")
}

func TestEngine_ApplyReconstructsBreathStateDeterministically(t *testing.T) {
	live := New(DefaultConfig())
	live.UpdateContext(domain.Context{LocalHour: 10, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	var allEvents []PendingEvent
	allEvents = append(allEvents, live.StartSession(0))
	tsUs := int64(0)
	for i := 0; i < 20; i++ {
		tsUs += 600_000
		events, err := live.IngestSensorWithContext(f, tsUs)
		require.NoError(t, err)
		allEvents = append(allEvents, events...)
	}
	liveHash := live.Hash()

	replay := New(DefaultConfig())
	for _, ev := range allEvents {
		require.NoError(t, replay.Apply(ev.Kind, ev.Payload, ev.TsUs))
	}
	require.Equal(t, liveHash, replay.Hash())
}
