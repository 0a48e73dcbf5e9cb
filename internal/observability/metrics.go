// Package observability — metrics.go
//
// Prometheus metrics for the breathkernel runtime.
//
// Endpoint: GET /metrics on 127.0.0.1:9292 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default (observability.addr); the listener binds
// whatever address is configured.
//
// Metric naming convention: breathkernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for breathkernel.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Belief engine ────────────────────────────────────────────────────────

	// BeliefUpdatesTotal counts belief fusion updates performed.
	BeliefUpdatesTotal prometheus.Counter

	// BeliefConfidence tracks the current aggregate belief confidence.
	BeliefConfidence prometheus.Gauge

	// ModeCollapsesTotal counts hysteresis-gated mode switches, by mode.
	ModeCollapsesTotal *prometheus.CounterVec

	// FreeEnergyEMA tracks the FEP tracker's free-energy EMA.
	FreeEnergyEMA prometheus.Gauge

	// ─── Safety swarm ─────────────────────────────────────────────────────────

	// GuardDeniesTotal counts guard vetoes, by the deny reason string recorded
	// in the ControlDecisionDenied event (the consulted-guards bitmask).
	GuardDeniesTotal *prometheus.CounterVec

	// GuardConflictsTotal counts unsatisfiable-clamp consensus failures.
	GuardConflictsTotal prometheus.Counter

	// ─── Trauma registry ──────────────────────────────────────────────────────

	// TraumaEntriesActive is the current number of inhibited signatures.
	TraumaEntriesActive prometheus.Gauge

	// TraumaRecordsTotal counts negative-feedback records.
	TraumaRecordsTotal prometheus.Counter

	// ─── Event store ──────────────────────────────────────────────────────────

	// StoreAppendLatency records append_batch transaction latency.
	StoreAppendLatency prometheus.Histogram

	// StoreAppendRetriesTotal counts append retries.
	StoreAppendRetriesTotal prometheus.Counter

	// StoreEmergencyDumpsTotal counts writer exhaustion emergency dumps.
	StoreEmergencyDumpsTotal prometheus.Counter

	// StoreEventsPersistedTotal counts envelopes durably committed.
	StoreEventsPersistedTotal prometheus.Counter

	// ─── Writer task ──────────────────────────────────────────────────────────

	// WriterQueueDepth is the current depth of the writer's bounded queue.
	WriterQueueDepth prometheus.Gauge

	// WriterQueueFullDropsTotal counts producer-side backpressure drops.
	WriterQueueFullDropsTotal prometheus.Counter

	// ─── Runtime ──────────────────────────────────────────────────────────────

	// RuntimeUptimeSeconds is the number of seconds since the runtime started.
	RuntimeUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all breathkernel Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BeliefUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "belief",
			Name:      "updates_total",
			Help:      "Total belief fusion updates performed.",
		}),

		BeliefConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breathkernel",
			Subsystem: "belief",
			Name:      "confidence",
			Help:      "Current aggregate belief confidence (max of the smoothed mode distribution).",
		}),

		ModeCollapsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "belief",
			Name:      "mode_collapses_total",
			Help:      "Total hysteresis-gated mode switches, by mode switched to.",
		}, []string{"mode"}),

		FreeEnergyEMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breathkernel",
			Subsystem: "fep",
			Name:      "free_energy_ema",
			Help:      "Current free-energy EMA from the FEP precision tracker.",
		}),

		GuardDeniesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "safety",
			Name:      "guard_denies_total",
			Help:      "Total guard vetoes, by recorded deny reason (consulted-guards bitmask).",
		}, []string{"guard"}),

		GuardConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "safety",
			Name:      "guard_conflicts_total",
			Help:      "Total consensus failures from an unsatisfiable intersected clamp.",
		}),

		TraumaEntriesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breathkernel",
			Subsystem: "trauma",
			Name:      "entries_active",
			Help:      "Current number of trauma registry entries under active inhibition.",
		}),

		TraumaRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "trauma",
			Name:      "records_total",
			Help:      "Total negative-feedback records applied to the trauma registry.",
		}),

		StoreAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "breathkernel",
			Subsystem: "store",
			Name:      "append_latency_seconds",
			Help:      "append_batch transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StoreAppendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "store",
			Name:      "append_retries_total",
			Help:      "Total append_batch retries issued by the writer task.",
		}),

		StoreEmergencyDumpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "store",
			Name:      "emergency_dumps_total",
			Help:      "Total emergency JSON dumps after writer retry exhaustion.",
		}),

		StoreEventsPersistedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "store",
			Name:      "events_persisted_total",
			Help:      "Total envelopes durably committed to the event store.",
		}),

		WriterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breathkernel",
			Subsystem: "writer",
			Name:      "queue_depth",
			Help:      "Current depth of the writer task's bounded command queue.",
		}),

		WriterQueueFullDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "breathkernel",
			Subsystem: "writer",
			Name:      "queue_full_drops_total",
			Help:      "Total Append commands rejected due to a full writer queue.",
		}),

		RuntimeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breathkernel",
			Subsystem: "runtime",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the runtime started.",
		}),
	}

	reg.MustRegister(
		m.BeliefUpdatesTotal,
		m.BeliefConfidence,
		m.ModeCollapsesTotal,
		m.FreeEnergyEMA,
		m.GuardDeniesTotal,
		m.GuardConflictsTotal,
		m.TraumaEntriesActive,
		m.TraumaRecordsTotal,
		m.StoreAppendLatency,
		m.StoreAppendRetriesTotal,
		m.StoreEmergencyDumpsTotal,
		m.StoreEventsPersistedTotal,
		m.WriterQueueDepth,
		m.WriterQueueFullDropsTotal,
		m.RuntimeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RuntimeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
