package replay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/engine"
)

func toEnvelopes(sessionID [16]byte, events []engine.PendingEvent) []domain.Envelope {
	out := make([]domain.Envelope, len(events))
	for i, ev := range events {
		out[i] = domain.Envelope{
			SessionID: sessionID,
			Seq:       uint64(i + 1),
			TsUs:      ev.TsUs,
			Kind:      ev.Kind,
			Payload:   ev.Payload,
		}
	}
	return out
}

func TestReplay_MatchesLiveEngineHash(t *testing.T) {
	var sessionID [16]byte
	copy(sessionID[:], "replay-session-01")

	cfg := engine.DefaultConfig()
	live := engine.New(cfg)

	var events []engine.PendingEvent
	events = append(events, live.StartSession(0))
	live.UpdateContext(domain.Context{LocalHour: 9, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	tsUs := int64(0)
	for i := 0; i < 10; i++ {
		tsUs += 600_000
		ev, err := live.IngestSensorWithContext(f, tsUs)
		require.NoError(t, err)
		events = append(events, ev...)
		events = append(events, live.Tick(1_000_000, tsUs)...)
	}
	events = append(events, live.EndSession(tsUs+1))

	liveHash := live.Hash()

	envs := toEnvelopes(sessionID, events)
	result, err := Replay(cfg, envs)
	require.NoError(t, err)
	require.Equal(t, liveHash, result.Hash)
	require.Equal(t, live.BreathState(), result.BreathState)
}

func TestReplay_RejectsSequenceGap(t *testing.T) {
	var sessionID [16]byte
	copy(sessionID[:], "replay-session-02")
	envs := []domain.Envelope{
		{SessionID: sessionID, Seq: 1, Kind: domain.EventSessionStarted, Payload: []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{SessionID: sessionID, Seq: 3, Kind: domain.EventSessionEnded, Payload: []byte{0, 0, 0, 0, 0, 0, 0, 0}},
	}
	_, err := Replay(engine.DefaultConfig(), envs)
	require.Error(t, err)
}

func TestReplay_EmptySessionYieldsInitialHash(t *testing.T) {
	cfg := engine.DefaultConfig()
	result, err := Replay(cfg, nil)
	require.NoError(t, err)

	fresh := engine.New(cfg)
	require.Equal(t, fresh.Hash(), result.Hash)
}
