package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/observability"
	"github.com/vagusloop/breathkernel/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func testMasterKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i + 7)
	}
	return k
}

func newTestWriter(t *testing.T) (*Writer, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "kernel.db"), testMasterKey(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	metrics := observability.NewMetrics()
	w := New(st, metrics, zap.NewNop(), filepath.Join(dir, "emergency"))
	return w, st
}

func testEnvelope(sessionID [16]byte, seq uint64) store.EncodedEnvelope {
	return store.EncodedEnvelope{
		Envelope: domain.Envelope{
			SessionID: sessionID,
			Seq:       seq,
			TsUs:      int64(seq) * 1000,
			Kind:      domain.EventSensorFeaturesIngested,
			Meta:      []byte("m"),
		},
		Payload: store.EncodeFeatureVector(domain.DefaultFeatureVector()),
	}
}

func TestWriter_AppendAndShutdownDrainsCleanly(t *testing.T) {
	w, st := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)

	var sessionID [16]byte
	copy(sessionID[:], "writer-session-01")
	key, err := st.CreateSessionKey(sessionID)
	require.NoError(t, err)

	require.NoError(t, w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, 1)}))
	require.NoError(t, w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, 2)}))

	require.NoError(t, w.Shutdown(context.Background()))

	loaded, err := st.LoadSessionEnvelopes(sessionID, key)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
}

func TestWriter_FlushSyncOrdersAfterAppends(t *testing.T) {
	w, st := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)
	defer func() {
		require.NoError(t, w.Shutdown(context.Background()))
	}()

	var sessionID [16]byte
	copy(sessionID[:], "writer-session-02")
	key, err := st.CreateSessionKey(sessionID)
	require.NoError(t, err)

	require.NoError(t, w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, 1)}))
	require.NoError(t, w.FlushSync(context.Background()))

	loaded, err := st.LoadSessionEnvelopes(sessionID, key)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestWriter_AppendRejectsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "kernel.db"), testMasterKey(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	metrics := observability.NewMetrics()
	w := New(st, metrics, zap.NewNop(), filepath.Join(dir, "emergency"))

	// Never call Run: the queue fills and every Append beyond capacity
	// must fail fast rather than block.
	var sessionID [16]byte
	copy(sessionID[:], "writer-session-03")
	key, err := st.CreateSessionKey(sessionID)
	require.NoError(t, err)

	for i := 0; i < QueueCapacity; i++ {
		require.NoError(t, w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, uint64(i+1))}))
	}
	err = w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, uint64(QueueCapacity+1))})
	require.Error(t, err)
}

func TestWriter_InvalidSequenceIsNotRetried(t *testing.T) {
	w, st := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Run(ctx)
	defer func() {
		require.NoError(t, w.Shutdown(context.Background()))
	}()

	var sessionID [16]byte
	copy(sessionID[:], "writer-session-04")
	key, err := st.CreateSessionKey(sessionID)
	require.NoError(t, err)

	start := time.Now()
	err = w.Append(context.Background(), sessionID, key, []store.EncodedEnvelope{testEnvelope(sessionID, 5)})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Less(t, elapsed, RetryBackoffUnit, "invalid-sequence rejection must not incur retry backoff")
}

func TestWriter_EmergencyDumpWrittenOnExhaustion(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "kernel.db"), testMasterKey(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	metrics := observability.NewMetrics()
	dumpDir := filepath.Join(dir, "emergency")
	w := New(st, metrics, zap.NewNop(), dumpDir)

	var sessionID [16]byte
	copy(sessionID[:], "writer-session-05")

	// Force every AppendBatch call to fail with a retryable error by
	// closing the store's underlying connection before appending.
	require.NoError(t, st.Close())

	err = w.appendWithRetry(sessionID, []byte("bogus-key-bogus-key-32-bytes!!!"), []store.EncodedEnvelope{testEnvelope(sessionID, 1)})
	require.Error(t, err)

	entries, readErr := os.ReadDir(dumpDir)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
}
