// Package runtime is the collaborator-facing layer that owns an Engine and
// an event-store handle, exactly as spec §2's ownership rule states: "a
// Runtime uniquely owns an Engine and an EventStore handle". It serializes
// every call onto the engine (the core's own single-threaded cooperative
// model), buffers the engine's PendingEvents per the batching/downsampling
// rules, and submits filled batches to the writer task.
//
// Grounded on the teacher's cmd/octoreflex/main.go runWorker: a single
// logical owner pulling signal in, updating per-entity trackers, and
// driving a downstream store write, reshaped from a per-PID fan-out to a
// single-session cooperative core since the breath kernel has exactly one
// active session at a time.
package runtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusloop/breathkernel/internal/config"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/engine"
	"github.com/vagusloop/breathkernel/internal/observability"
	"github.com/vagusloop/breathkernel/internal/store"
	"github.com/vagusloop/breathkernel/internal/writer"
)

// downsampleInterval is the minimum spacing enforced between persisted
// SensorFeaturesIngested / ControlDecisionMade events, implementing the
// spec's "<= 2 Hz" downsample rule (2 Hz = one event per 500ms).
const downsampleIntervalUs = int64(500_000)

// Runtime is the sole owner of one Engine and one Store handle, and is
// safe for concurrent use by multiple collaborator goroutines: every
// method takes the core mutex before touching engine or buffering state.
type Runtime struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	engine *engine.Engine

	st     *store.Store
	wr     *writer.Writer
	ctx    context.Context
	cancel context.CancelFunc

	sessionID  [16]byte
	sessionKey []byte
	nextSeq    uint64

	buf          []store.EncodedEnvelope
	bufBytes     int
	lastFlushAt  time.Time

	lastSensorPersistTsUs   int64
	haveLastSensorPersist   bool
	lastDecisionPersistTsUs int64
	haveLastDecisionPersist bool
	lastDecisionTargetBPM   float64

	policyCursor   uint64
	latestPolicy   *PolicySnapshot
}

// PolicySnapshot is the pull-model payload subscribe_policy returns: the
// latest accepted pattern, tagged with a monotonic cursor so a caller can
// tell whether it has already seen this policy.
type PolicySnapshot struct {
	Cursor  uint64
	Pattern domain.PatternPatch
	Mode    domain.Mode
	TsUs    int64
}

// New builds engine.Config from cfg and opens the event store at
// cfg.Store.Path, wiring a writer task bound to it. It rehydrates the
// trauma registry from any previously persisted entries.
func New(cfg config.Config, masterKey [32]byte, metrics *observability.Metrics, log *zap.Logger) (*Runtime, error) {
	st, err := store.Open(cfg.Store.Path, masterKey, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	eng := engine.New(EngineConfigFromYAML(cfg))

	entries, err := st.LoadTraumaEntries()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("runtime: load trauma entries: %w", err)
	}
	for _, e := range entries {
		eng.TraumaRegistry().Restore(e)
	}

	wr := writer.New(st, metrics, log, cfg.Store.EmergencyDumpDir)
	ctx, cancel := context.WithCancel(context.Background())
	wr.Run(ctx)

	return &Runtime{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		engine:      eng,
		st:          st,
		wr:          wr,
		ctx:         ctx,
		cancel:      cancel,
		lastFlushAt: time.Now(),
	}, nil
}

// EngineConfigFromYAML maps the file-facing config.Config onto the
// engine's own Config, keeping the two shapes independent: config.Config
// is what an operator edits and validates; engine.Config is what the core
// actually consumes. Exported so replay tooling can rebuild the exact
// engine configuration a recorded session ran under, rather than
// replaying against engine.DefaultConfig() and silently diverging from
// whatever config.yaml was active at record time.
func EngineConfigFromYAML(cfg config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Belief.PathwayWeights = cfg.Belief.PathwayWeights
	ec.Belief.EMABeta = cfg.Belief.EMABeta
	ec.Belief.HysteresisThreshold = cfg.Belief.HysteresisThreshold
	ec.Belief.HysteresisMargin = cfg.Belief.HysteresisMargin

	ec.Fep.ProcessNoiseMin = cfg.Fep.ProcessNoiseMin
	ec.Fep.ProcessNoiseMax = cfg.Fep.ProcessNoiseMax
	ec.Fep.LRMin = cfg.Fep.LRMin
	ec.Fep.LRMax = cfg.Fep.LRMax
	ec.Fep.ObservationVariance = cfg.Fep.ObservationVariance
	ec.Fep.Gamma = cfg.Fep.Gamma

	ec.Controller.MinDecisionIntervalMs = cfg.Controller.MinDecisionIntervalMs
	ec.Controller.EpsilonBPM = cfg.Controller.EpsilonBPM

	ec.ConfidenceGuardMin = cfg.Safety.MinConfidence
	ec.RRAbsMin = cfg.Safety.RRMin
	ec.RRAbsMax = cfg.Safety.RRMax
	ec.MaxHoldSec = cfg.Safety.MaxHoldSec
	ec.MaxDeltaRRPerMin = cfg.Safety.MaxDeltaRRPerMin
	ec.SafetyFlags.EnabledBits = cfg.Safety.GuardsEnabledBits

	ec.Trauma.DecayRateDefault = cfg.Trauma.DecayRateDefault
	ec.Trauma.SeverityEMABeta = cfg.Trauma.SeverityEMABeta

	return ec
}

// Close drains and shuts down the writer task, then closes the store.
// Flush should normally be called first to persist any buffered events.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.wr.Shutdown(ctx); err != nil {
		r.log.Warn("writer shutdown returned an error", zap.Error(err))
	}
	r.cancel()
	return r.st.Close()
}

// StartSession begins a new session: generates a fresh random session id,
// creates and caches its wrapped key, resets the engine's per-session
// state, and enqueues the SessionStarted envelope.
func (r *Runtime) StartSession(nowTsUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sid [16]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return fmt.Errorf("runtime: generate session id: %w", err)
	}
	key, err := r.st.CreateSessionKey(sid)
	if err != nil {
		return fmt.Errorf("runtime: create session key: %w", err)
	}

	r.sessionID = sid
	r.sessionKey = key
	r.nextSeq = 1
	r.haveLastSensorPersist = false
	r.haveLastDecisionPersist = false
	r.latestPolicy = nil

	ev := r.engine.StartSession(nowTsUs)
	return r.enqueue(ev, nowTsUs)
}

// EndSession enqueues the SessionEnded envelope and flushes synchronously,
// so the session's tail is durable before the caller proceeds.
func (r *Runtime) EndSession(ctx context.Context, nowTsUs int64) error {
	r.mu.Lock()
	ev := r.engine.EndSession(nowTsUs)
	err := r.enqueue(ev, nowTsUs)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Flush(ctx)
}

// Flush submits any buffered envelopes to the writer and blocks until the
// writer has durably persisted them (or reports an error).
func (r *Runtime) Flush(ctx context.Context) error {
	r.mu.Lock()
	err := r.submitLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.wr.FlushSync(ctx)
}
