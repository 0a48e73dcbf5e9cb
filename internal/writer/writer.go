// Package writer runs the single auxiliary task that owns all event-store
// I/O: the core never blocks on disk or holds a database lock directly. A
// bounded command queue decouples the deterministic core from write
// latency, mirroring the teacher's ring-buffer-to-worker-channel shape in
// internal/kernel/events.go, adapted from a multi-worker fan-out over
// kernel events to a single ordered writer over append batches, since
// event ordering per session must be preserved.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusloop/breathkernel/internal/errs"
	"github.com/vagusloop/breathkernel/internal/observability"
	"github.com/vagusloop/breathkernel/internal/store"
)

// QueueCapacity is the bounded command queue depth. A full queue means the
// writer has fallen far enough behind that further buffering would itself
// become a reliability risk; producers observe this as an error from
// Append and must apply their own backpressure upstream.
const QueueCapacity = 50

// MaxRetries bounds the retry-with-backoff loop per append attempt before
// an emergency dump is triggered.
const MaxRetries = 3

// RetryBackoffUnit is multiplied by the retry count to produce the delay
// before each retry attempt.
const RetryBackoffUnit = 100 * time.Millisecond

type commandKind int

const (
	cmdAppend commandKind = iota
	cmdFlushSync
	cmdShutdown
)

type command struct {
	kind     commandKind
	sessionID [16]byte
	key      []byte
	batch    []store.EncodedEnvelope
	done     chan error
}

// Writer owns the background goroutine and the single command channel
// leading into it.
type Writer struct {
	store   *store.Store
	metrics *observability.Metrics
	log     *zap.Logger

	dumpDir string

	queue chan command
	wg    sync.WaitGroup
}

// New constructs a Writer. dumpDir is where emergency JSON dumps are
// written after retry exhaustion; it is created on first use.
func New(st *store.Store, metrics *observability.Metrics, log *zap.Logger, dumpDir string) *Writer {
	return &Writer{
		store:   st,
		metrics: metrics,
		log:     log,
		dumpDir: dumpDir,
		queue:   make(chan command, QueueCapacity),
	}
}

// Run starts the writer's processing loop in a goroutine and returns
// immediately. The loop exits when ctx is cancelled (commands still queued
// are not processed) or once a Shutdown command is processed.
func (w *Writer) Run(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Wait blocks until the writer's goroutine has exited.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// Append enqueues a batch for durable append. It returns immediately with
// an error if the queue is full (backpressure) and never waits for a free
// slot. Once the batch is enqueued, Append waits for the writer loop's
// result for that batch; ctx bounds that wait.
func (w *Writer) Append(ctx context.Context, sessionID [16]byte, key []byte, batch []store.EncodedEnvelope) error {
	done := make(chan error, 1)
	cmd := command{kind: cmdAppend, sessionID: sessionID, key: key, batch: batch, done: done}

	select {
	case w.queue <- cmd:
		w.metrics.WriterQueueDepth.Set(float64(len(w.queue)))
	default:
		w.metrics.WriterQueueFullDropsTotal.Inc()
		return fmt.Errorf("writer: queue full at capacity %d", QueueCapacity)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushSync blocks until every command enqueued before this call has been
// processed. It is implemented as a barrier command threaded through the
// same queue, so it observes strict FIFO ordering relative to prior
// Append calls.
func (w *Writer) FlushSync(ctx context.Context) error {
	done := make(chan error, 1)
	cmd := command{kind: cmdFlushSync, done: done}
	select {
	case w.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown enqueues a terminal command and waits for the writer goroutine
// to exit after processing it.
func (w *Writer) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	cmd := command{kind: cmdShutdown, done: done}
	select {
	case w.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		w.Wait()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case cmd := <-w.queue:
			w.metrics.WriterQueueDepth.Set(float64(len(w.queue)))
			switch cmd.kind {
			case cmdAppend:
				cmd.done <- w.appendWithRetry(cmd.sessionID, cmd.key, cmd.batch)
			case cmdFlushSync:
				cmd.done <- w.store.CheckpointFull()
			case cmdShutdown:
				cmd.done <- w.store.CheckpointFull()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// appendWithRetry retries AppendBatch on I/O failure with a linear
// backoff (100ms * retry count), up to MaxRetries attempts. A conflict
// arising from the append protocol itself (invalid sequence, sequence
// conflict) is not retried: retrying a logically rejected batch cannot
// succeed and would only mask the underlying producer bug. Only after
// every retry is exhausted do we fall back to an emergency on-disk dump.
func (w *Writer) appendWithRetry(sessionID [16]byte, key []byte, batch []store.EncodedEnvelope) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			w.metrics.StoreAppendRetriesTotal.Inc()
			time.Sleep(RetryBackoffUnit * time.Duration(attempt))
		}

		err := w.store.AppendBatch(sessionID, key, batch, time.Now())
		if err == nil {
			w.metrics.StoreAppendLatency.Observe(time.Since(start).Seconds())
			w.metrics.StoreEventsPersistedTotal.Add(float64(len(batch)))
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	w.metrics.StoreEmergencyDumpsTotal.Inc()
	if dumpErr := w.emergencyDump(sessionID, batch); dumpErr != nil {
		w.log.Error("emergency dump failed after retry exhaustion",
			zap.Error(lastErr), zap.Error(dumpErr))
		return fmt.Errorf("writer: retries exhausted (%w), emergency dump also failed: %v", lastErr, dumpErr)
	}
	w.log.Warn("writer retries exhausted, batch persisted to emergency dump",
		zap.Error(lastErr), zap.Int("events", len(batch)))
	return fmt.Errorf("writer: retries exhausted, persisted to emergency dump: %w", lastErr)
}

// isRetryable distinguishes transient I/O faults (disk contention,
// SQLITE_BUSY surfaced through database/sql) from logical rejections
// the append protocol itself raises. A bare non-nil error from the
// store without a recognizable errs.Kind is treated as retryable, since
// the common case is an underlying driver/OS error.
func isRetryable(err error) bool {
	kind, ok := errs.KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case errs.KindInvalidSequence, errs.KindSequenceConflict, errs.KindBatchValidation, errs.KindCrypto:
		return false
	default:
		return true
	}
}

type emergencyRecord struct {
	SessionID string    `json:"session_id"`
	Seq       []uint64  `json:"seq"`
	DumpedAt  time.Time `json:"dumped_at"`
}

// emergencyDump persists the batch's identifying metadata (not the raw
// plaintext, which may be sensitive) as JSON to disk with fsync, so an
// operator can reconcile it against the event store out of band.
func (w *Writer) emergencyDump(sessionID [16]byte, batch []store.EncodedEnvelope) error {
	if err := os.MkdirAll(w.dumpDir, 0o700); err != nil {
		return fmt.Errorf("mkdir dump dir: %w", err)
	}

	seqs := make([]uint64, len(batch))
	for i, e := range batch {
		seqs[i] = e.Envelope.Seq
	}
	rec := emergencyRecord{
		SessionID: fmt.Sprintf("%x", sessionID),
		Seq:       seqs,
		DumpedAt:  time.Now(),
	}

	name := fmt.Sprintf("emergency-%x-%d.json", sessionID, time.Now().UnixNano())
	path := filepath.Join(w.dumpDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	return f.Sync()
}
