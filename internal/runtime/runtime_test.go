package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vagusloop/breathkernel/internal/config"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/observability"
)

func testMasterKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i + 3)
	}
	return k
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	cfg := *config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "kernel.db")
	cfg.Store.EmergencyDumpDir = filepath.Join(dir, "emergency")

	rt, err := New(cfg, testMasterKey(), observability.NewMetrics(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(ctx)
	})
	return rt
}

func TestRuntime_StartSessionThenIngestPersistsOnFlush(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.StartSession(0))
	rt.UpdateContext(domain.Context{LocalHour: 9, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	tsUs := int64(0)
	for i := 0; i < 5; i++ {
		tsUs += 600_000
		require.NoError(t, rt.IngestSensorWithContext(f, tsUs))
	}

	require.NoError(t, rt.Flush(ctx))

	loaded, err := rt.st.LoadSessionEnvelopes(rt.sessionID, rt.sessionKey)
	require.NoError(t, err)
	require.NotEmpty(t, loaded)
}

func TestRuntime_DownsamplesSensorEventsAtTwoHertz(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	require.NoError(t, rt.StartSession(0))

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	// Five ingests 50ms apart: all well inside one 500ms downsample
	// window, so only the first should persist a sensor event.
	tsUs := int64(0)
	for i := 0; i < 5; i++ {
		tsUs += 50_000
		require.NoError(t, rt.IngestSensorWithContext(f, tsUs))
	}
	require.NoError(t, rt.Flush(ctx))

	loaded, err := rt.st.LoadSessionEnvelopes(rt.sessionID, rt.sessionKey)
	require.NoError(t, err)

	sensorCount := 0
	for _, e := range loaded {
		if e.Envelope.Kind == domain.EventSensorFeaturesIngested {
			sensorCount++
		}
	}
	require.Equal(t, 1, sensorCount, "only the first sample in a 500ms window should persist")
}

func TestRuntime_TickOnlyPersistsOnCycleCompletion(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	require.NoError(t, rt.StartSession(0))

	cycles, err := rt.Tick(100_000, 100_000)
	require.NoError(t, err)
	require.Equal(t, uint64(0), cycles)

	require.NoError(t, rt.Flush(ctx))
	loaded, err := rt.st.LoadSessionEnvelopes(rt.sessionID, rt.sessionKey)
	require.NoError(t, err)
	for _, e := range loaded {
		require.NotEqual(t, domain.EventCycleCompleted, e.Envelope.Kind)
	}
}

func TestRuntime_EndSessionFlushesSynchronously(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	require.NoError(t, rt.StartSession(0))
	require.NoError(t, rt.EndSession(ctx, 1_000_000))

	loaded, err := rt.st.LoadSessionEnvelopes(rt.sessionID, rt.sessionKey)
	require.NoError(t, err)
	require.NotEmpty(t, loaded)

	found := false
	for _, e := range loaded {
		if e.Envelope.Kind == domain.EventSessionEnded {
			found = true
		}
	}
	require.True(t, found)
}

func TestRuntime_SubscribePolicyReturnsOnlyNewerPolicies(t *testing.T) {
	rt := newTestRuntime(t)
	_, ok := rt.SubscribePolicy(0)
	require.False(t, ok, "no policy yet")

	require.NoError(t, rt.StartSession(0))
	rt.UpdateContext(domain.Context{LocalHour: 10, Charging: true})

	f := domain.FeatureVector{70, 45, 12, 1.0, 0.0}
	tsUs := int64(0)
	var lastCursor uint64
	for i := 0; i < 20; i++ {
		tsUs += 600_000
		require.NoError(t, rt.IngestSensorWithContext(f, tsUs))
		if snap, ok := rt.SubscribePolicy(lastCursor); ok {
			lastCursor = snap.Cursor
		}
	}

	_, ok = rt.SubscribePolicy(lastCursor)
	require.False(t, ok, "already caught up to the latest policy")
}

func TestRuntime_GetDashboardReflectsSessionState(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.StartSession(0))

	d := rt.GetDashboard()
	require.True(t, d.SessionActive)
	require.Equal(t, uint64(0), d.TotalCycles)
}

func TestRuntime_IngestObservationDerivesFeatureVector(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.StartSession(0))

	hr := 72.0
	noise := 0.2
	err := rt.IngestObservation(domain.Observation{
		TimestampUs: 1_000_000,
		Bio:         &domain.BioMetrics{HeartRateBPM: &hr},
		Env:         &domain.Environmental{NoiseLvl: &noise},
	})
	require.NoError(t, err)

	est := rt.engine.Estimate()
	require.InDelta(t, 72.0, est.HR, 1e-9)
}
