// Package main — cmd/breathkerneld/main.go
//
// breathkerneld entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/breathkernel/config.yaml.
//  2. Initialise structured logger (zap, level/format from config).
//  3. Load the master key from disk.
//  4. Open the event store and the runtime (engine + writer task).
//  5. Start the Prometheus metrics server, if enabled.
//  6. Start the collaborator-facing HTTP surface.
//  7. Register SIGHUP handler that re-reads and validates the config and
//     logs the result; nothing is applied to the running process (the
//     logger keeps its startup level, and engine tunables are baked into
//     the running Engine at construction).
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context.
//  2. Flush any buffered session events and close the runtime.
//  3. Flush logger.
//  4. Exit 0.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vagusloop/breathkernel/internal/config"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/observability"
	"github.com/vagusloop/breathkernel/internal/runtime"
	"github.com/vagusloop/breathkernel/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/breathkernel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("breathkerneld %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("breathkerneld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Load master key ───────────────────────────────────────────────
	masterKey, err := store.LoadMasterKey(cfg.Store.MasterKeyPath)
	if err != nil {
		log.Fatal("master key load failed", zap.Error(err),
			zap.String("path", cfg.Store.MasterKeyPath))
	}

	// ── Step 4: Open runtime ──────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	rt, err := runtime.New(*cfg, masterKey, metrics, log)
	if err != nil {
		log.Fatal("runtime init failed", zap.Error(err))
	}
	log.Info("event store opened", zap.String("path", cfg.Store.Path))

	// ── Step 5: Metrics server ────────────────────────────────────────────────
	if cfg.Observability.Enabled {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.Addr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.Addr))
	}

	// ── Step 6: Collaborator HTTP surface ─────────────────────────────────────
	httpSrv := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: newAPIMux(rt, log),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server error", zap.Error(err))
		}
	}()
	log.Info("api server started", zap.String("addr", cfg.API.Addr))

	// ── Step 7: SIGHUP hot-reload ──────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config re-read and validated — no settings applied, changes require restart",
				zap.String("new_log_level", newCfg.Logging.Level))
		}
	}()

	// ── Step 8: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown error", zap.Error(err))
	}
	if err := rt.Flush(shutdownCtx); err != nil {
		log.Warn("runtime flush error", zap.Error(err))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Warn("runtime close error", zap.Error(err))
	}

	log.Info("breathkerneld shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// newAPIMux wires the collaborator-facing HTTP surface directly onto
// internal/runtime: it has no business logic of its own, only request
// decoding and response encoding.
func newAPIMux(rt *runtime.Runtime, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rt.GetDashboard())
	})

	mux.HandleFunc("/v1/session/start", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.StartSession(nowUs()); err != nil {
			httpError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/session/end", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.EndSession(r.Context(), nowUs()); err != nil {
			httpError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/observation", func(w http.ResponseWriter, r *http.Request) {
		var o domain.Observation
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := rt.IngestObservation(o); err != nil {
			httpError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/policy", func(w http.ResponseWriter, r *http.Request) {
		cursor, _ := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)
		snap, ok := rt.SubscribePolicy(cursor)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, snap)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, log *zap.Logger, err error) {
	log.Error("api request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func nowUs() int64 {
	return time.Now().UnixMicro()
}
