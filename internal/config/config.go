// Package config provides configuration loading, validation, and hot-reload
// for the breathkernel runtime.
//
// Configuration file: /etc/breathkernel/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml with Load.
//   - The result is only logged; no setting (weights, thresholds, log level,
//     store path, ...) is applied to the running process, so every change
//     takes effect on restart.
//   - If the new config is invalid, an error is logged and the process keeps
//     running. The runtime does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. beta in [0,1], weights >= 0).
//   - Invalid config on startup: runtime refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure. All fields have defaults; see
// Defaults() for values.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`
	NodeID        string `yaml:"node_id"`

	Belief        BeliefConfig        `yaml:"belief"`
	Fep           FepConfig           `yaml:"fep"`
	Estimator     EstimatorConfig     `yaml:"estimator"`
	Controller    ControllerConfig    `yaml:"controller"`
	Safety        SafetyConfig        `yaml:"safety"`
	Trauma        TraumaConfig        `yaml:"trauma"`
	Store         StoreConfig         `yaml:"store"`
	Hashing       HashingConfig       `yaml:"hashing"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
}

// BeliefConfig configures multi-pathway fusion.
type BeliefConfig struct {
	PathwayWeights      [3]float64 `yaml:"pathway_weights"`
	EMABeta             float64    `yaml:"ema_beta"`
	HysteresisThreshold int        `yaml:"hysteresis_threshold"`
	HysteresisMargin    float64    `yaml:"hysteresis_margin"`
}

// FepConfig configures the Free-Energy precision tracker.
type FepConfig struct {
	ProcessNoiseMin     float64    `yaml:"process_noise_min"`
	ProcessNoiseMax     float64    `yaml:"process_noise_max"`
	LRMin               float64    `yaml:"lr_min"`
	LRMax               float64    `yaml:"lr_max"`
	ObservationVariance [5]float64 `yaml:"observation_variance"`
	Gamma               float64    `yaml:"gamma"`
}

// EstimatorConfig configures EMA smoothing.
type EstimatorConfig struct {
	Tau float64 `yaml:"tau"`
}

// ControllerConfig configures decision debouncing.
type ControllerConfig struct {
	MinDecisionIntervalMs int64   `yaml:"min_decision_interval_ms"`
	EpsilonBPM            float64 `yaml:"epsilon_bpm"`
}

// SafetyConfig configures the guard swarm.
type SafetyConfig struct {
	MinConfidence    float64 `yaml:"min_confidence"`
	RRMin            float64 `yaml:"rr_min"`
	RRMax            float64 `yaml:"rr_max"`
	MaxDeltaRRPerMin float64 `yaml:"max_delta_rr_per_min"`
	MaxHoldSec       float64 `yaml:"max_hold_sec"`
	GuardsEnabledBits uint8  `yaml:"guards_enabled_bits"`
}

// TraumaConfig configures the negative-outcome registry.
type TraumaConfig struct {
	DecayRateDefault float64 `yaml:"decay_rate_default"`
	MaxInhibitHours  float64 `yaml:"max_inhibit_hours"`
	SeverityEMABeta  float64 `yaml:"severity_ema_beta"`
}

// StoreConfig configures the event store and its writer task.
type StoreConfig struct {
	Path               string `yaml:"path"`
	MasterKeyPath      string `yaml:"master_key_path"`
	BatchLenTrigger    int    `yaml:"batch_len_trigger"`
	BatchBytesTrigger  int    `yaml:"batch_bytes_trigger"`
	BatchElapsedMs     int64  `yaml:"batch_elapsed_ms"`
	WriterQueueCapacity int   `yaml:"writer_queue_capacity"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBackoffMs     int64  `yaml:"retry_backoff_ms"`
	EmergencyDumpDir   string `yaml:"emergency_dump_dir"`
}

// HashingConfig records the fixed-point hashing parameters. These are not
// meant to be overridden in practice (the procedure in §4.8 is exact), but
// are surfaced so config validation can assert the deployed build matches
// the documented constants.
type HashingConfig struct {
	Scale      int64   `yaml:"scale"`
	ClampBound float64 `yaml:"clamp_bound"`
}

// ObservabilityConfig configures the metrics server.
type ObservabilityConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// APIConfig configures the collaborator-facing HTTP surface (session
// control, observation ingest, policy polling, dashboard).
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns a fully-populated Config using every default named in
// spec §4 and §6.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "breathkernel-node"
	}
	return &Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Belief: BeliefConfig{
			PathwayWeights:      [3]float64{1.0, 0.6, 0.8},
			EMABeta:             0.3,
			HysteresisThreshold: 3,
			HysteresisMargin:    0.15,
		},
		Fep: FepConfig{
			ProcessNoiseMin:     0.005,
			ProcessNoiseMax:     0.2,
			LRMin:               0.05,
			LRMax:               1.0,
			ObservationVariance: [5]float64{25.0, 100.0, 4.0, 0.05, 0.05},
			Gamma:               0.1,
		},
		Estimator: EstimatorConfig{Tau: 8.0},
		Controller: ControllerConfig{
			MinDecisionIntervalMs: 500,
			EpsilonBPM:            0.3,
		},
		Safety: SafetyConfig{
			MinConfidence:     0.2,
			RRMin:             4.0,
			RRMax:             16.0,
			MaxDeltaRRPerMin:  6.0,
			MaxHoldSec:        6.0,
			GuardsEnabledBits: 0xFF,
		},
		Trauma: TraumaConfig{
			DecayRateDefault: 0.1,
			MaxInhibitHours:  24,
			SeverityEMABeta:  0.3,
		},
		Store: StoreConfig{
			Path:                "/var/lib/breathkernel/store.db",
			MasterKeyPath:       "/etc/breathkernel/master.key",
			BatchLenTrigger:     20,
			BatchBytesTrigger:   64 * 1024,
			BatchElapsedMs:      80,
			WriterQueueCapacity: 50,
			MaxRetries:          3,
			RetryBackoffMs:      100,
			EmergencyDumpDir:    "/var/lib/breathkernel/emergency",
		},
		Hashing: HashingConfig{Scale: 1_000_000, ClampBound: 2147.0},
		Observability: ObservabilityConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9292",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		API:     APIConfig{Addr: "127.0.0.1:8420"},
	}
}

// Load reads, parses, and validates a config file, starting from Defaults()
// so any field the file omits keeps its default.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate aggregates every field-range error into one multi-line error,
// matching the teacher's pattern of reporting all violations at once rather
// than failing fast on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Belief.EMABeta < 0 || cfg.Belief.EMABeta > 1 {
		errs = append(errs, fmt.Sprintf("belief.ema_beta must be in [0,1], got %f", cfg.Belief.EMABeta))
	}
	for i, w := range cfg.Belief.PathwayWeights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("belief.pathway_weights[%d] must be >= 0, got %f", i, w))
		}
	}
	if cfg.Belief.HysteresisThreshold < 0 {
		errs = append(errs, fmt.Sprintf("belief.hysteresis_threshold must be >= 0, got %d", cfg.Belief.HysteresisThreshold))
	}
	if cfg.Belief.HysteresisMargin < 0 || cfg.Belief.HysteresisMargin > 1 {
		errs = append(errs, fmt.Sprintf("belief.hysteresis_margin must be in [0,1], got %f", cfg.Belief.HysteresisMargin))
	}

	if cfg.Fep.ProcessNoiseMin < 0.005 || cfg.Fep.ProcessNoiseMin > cfg.Fep.ProcessNoiseMax {
		errs = append(errs, "fep.process_noise_min must be >= 0.005 and <= process_noise_max")
	}
	if cfg.Fep.ProcessNoiseMax > 0.2 {
		errs = append(errs, fmt.Sprintf("fep.process_noise_max must be <= 0.2, got %f", cfg.Fep.ProcessNoiseMax))
	}
	if cfg.Fep.LRMin < 0 || cfg.Fep.LRMin > cfg.Fep.LRMax {
		errs = append(errs, "fep.lr_min must be >= 0 and <= lr_max")
	}
	for i, v := range cfg.Fep.ObservationVariance {
		if v <= 0 {
			errs = append(errs, fmt.Sprintf("fep.observation_variance[%d] must be > 0, got %f", i, v))
		}
	}
	if cfg.Fep.Gamma < 0 || cfg.Fep.Gamma > 1 {
		errs = append(errs, fmt.Sprintf("fep.gamma must be in [0,1], got %f", cfg.Fep.Gamma))
	}

	if cfg.Estimator.Tau <= 0 {
		errs = append(errs, fmt.Sprintf("estimator.tau must be > 0, got %f", cfg.Estimator.Tau))
	}

	if cfg.Controller.MinDecisionIntervalMs < 0 {
		errs = append(errs, "controller.min_decision_interval_ms must be >= 0")
	}
	if cfg.Controller.EpsilonBPM < 0 {
		errs = append(errs, "controller.epsilon_bpm must be >= 0")
	}

	if cfg.Safety.MinConfidence < 0 || cfg.Safety.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("safety.min_confidence must be in [0,1], got %f", cfg.Safety.MinConfidence))
	}
	if cfg.Safety.RRMin <= 0 || cfg.Safety.RRMin >= cfg.Safety.RRMax {
		errs = append(errs, "safety.rr_min must be > 0 and < rr_max")
	}
	if cfg.Safety.MaxDeltaRRPerMin <= 0 {
		errs = append(errs, "safety.max_delta_rr_per_min must be > 0")
	}
	if cfg.Safety.MaxHoldSec <= 0 {
		errs = append(errs, "safety.max_hold_sec must be > 0")
	}

	if cfg.Trauma.DecayRateDefault < 0 {
		errs = append(errs, "trauma.decay_rate_default must be >= 0")
	}
	if cfg.Trauma.MaxInhibitHours <= 0 {
		errs = append(errs, "trauma.max_inhibit_hours must be > 0")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path must not be empty")
	}
	if cfg.Store.BatchLenTrigger < 1 {
		errs = append(errs, fmt.Sprintf("store.batch_len_trigger must be >= 1, got %d", cfg.Store.BatchLenTrigger))
	}
	if cfg.Store.WriterQueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("store.writer_queue_capacity must be >= 1, got %d", cfg.Store.WriterQueueCapacity))
	}
	if cfg.Store.MaxRetries < 0 {
		errs = append(errs, "store.max_retries must be >= 0")
	}

	if cfg.Hashing.Scale != 1_000_000 {
		errs = append(errs, fmt.Sprintf("hashing.scale must be 1000000, got %d", cfg.Hashing.Scale))
	}
	if cfg.Hashing.ClampBound != 2147.0 {
		errs = append(errs, fmt.Sprintf("hashing.clamp_bound must be 2147.0, got %f", cfg.Hashing.ClampBound))
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug|info|warn|error, got %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be json|console, got %q", cfg.Logging.Format))
	}

	if cfg.API.Addr == "" {
		errs = append(errs, "api.addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
