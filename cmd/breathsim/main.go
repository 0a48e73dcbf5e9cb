// Package main — cmd/breathsim/main.go
//
// breathsim synthetic-session driver.
//
// Purpose: exercise the belief/FEP/controller loop over a long synthetic
// session before shipping a config change, the same "prove the math holds"
// role the teacher's octoreflex-sim dominance simulator plays for its own
// anomaly/mutation model — re-targeted here at this kernel's breath loop
// instead of an attacker-mutation model.
//
// Model: heart rate follows a slow sinusoid (simulating a stress/calm
// cycle) plus Gaussian sensor noise; RMSSD moves inversely to HR; RR drifts
// slowly. Each step is fed through Runtime.IngestObservation exactly as a
// real sensor adapter would, and the resulting dashboard snapshot is
// emitted as one CSV row.
//
// Output: per-step CSV to stdout (t_us, mode, confidence, target_rate_bpm,
// free_energy_ema). Summary to stderr.
//
// Usage:
//
//	breathsim [flags]
//	breathsim -steps 2000 -hr-mean 75 -hr-amp 20 -noise 0.05
package main

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	mrand "math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vagusloop/breathkernel/internal/config"
	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/observability"
	"github.com/vagusloop/breathkernel/internal/runtime"
)

func main() {
	steps := flag.Int("steps", 2000, "Number of simulated observation steps")
	stepUs := flag.Int64("step-us", 700_000, "Microseconds of simulated wall-clock time per step")
	hrMean := flag.Float64("hr-mean", 75.0, "Mean heart rate (bpm) the stress cycle oscillates around")
	hrAmp := flag.Float64("hr-amp", 20.0, "Amplitude of the simulated stress/calm heart-rate cycle")
	periodSteps := flag.Float64("period-steps", 300.0, "Steps per full stress/calm cycle")
	noise := flag.Float64("noise", 0.05, "Relative Gaussian sensor noise applied to every channel")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	storePath := flag.String("store", "", "Event store path (default: a temp file, removed on exit)")
	flag.Parse()

	if *steps <= 0 {
		fmt.Fprintln(os.Stderr, "ERROR: steps must be > 0")
		os.Exit(1)
	}

	path := *storePath
	if path == "" {
		dir, err := os.MkdirTemp("", "breathsim-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: mktemp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "sim.db")
	}

	var masterKey [32]byte
	if _, err := rand.Read(masterKey[:]); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: generate master key: %v\n", err)
		os.Exit(1)
	}

	cfg := *config.Defaults()
	cfg.Store.Path = path
	cfg.Store.EmergencyDumpDir = filepath.Join(filepath.Dir(path), "emergency")

	log := zap.NewNop()
	rt, err := runtime.New(cfg, masterKey, observability.NewMetrics(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: runtime init: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()

	rng := mrand.New(mrand.NewSource(*seed))

	if err := rt.StartSession(0); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: start session: %v\n", err)
		os.Exit(1)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"t_us", "mode", "confidence", "target_rate_bpm", "free_energy_ema"})

	tsUs := int64(0)
	modeSwitches := 0
	var lastMode domain.Mode
	haveLastMode := false

	for t := 0; t < *steps; t++ {
		tsUs += *stepUs

		phase := 2 * math.Pi * float64(t) / *periodSteps
		stress := (math.Sin(phase) + 1) / 2 // in [0,1]: 1 = peak stress

		hr := *hrMean + *hrAmp*stress + rng.NormFloat64()*(*noise)*(*hrAmp)
		rmssd := 60.0 - 35.0*stress + rng.NormFloat64()*(*noise)*30.0
		rr := 12.0 + 6.0*stress + rng.NormFloat64()*(*noise)*6.0
		motion := clamp(stress*0.4+rng.NormFloat64()*(*noise), 0, 1)

		obs := domain.Observation{
			TimestampUs: tsUs,
			Bio: &domain.BioMetrics{
				HeartRateBPM: floatPtr(hr),
				RMSSDMs:      floatPtr(math.Max(5, rmssd)),
				RespRateBPM:  floatPtr(math.Max(3, rr)),
			},
			Digital: &domain.DigitalActivity{
				InteractionIntensity: floatPtr(motion),
			},
		}
		if err := rt.IngestObservation(obs); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: ingest at step %d: %v\n", t, err)
			os.Exit(1)
		}
		if _, err := rt.Tick(*stepUs, tsUs); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: tick at step %d: %v\n", t, err)
			os.Exit(1)
		}

		d := rt.GetDashboard()
		if haveLastMode && d.Belief.Mode != lastMode {
			modeSwitches++
		}
		lastMode, haveLastMode = d.Belief.Mode, true

		targetRate := 0.0
		if d.LastDecision != nil {
			targetRate = d.LastDecision.TargetRateBPM
		}

		_ = w.Write([]string{
			strconv.FormatInt(tsUs, 10),
			d.Belief.Mode.String(),
			strconv.FormatFloat(d.Belief.Confidence, 'f', 6, 64),
			strconv.FormatFloat(targetRate, 'f', 6, 64),
			strconv.FormatFloat(d.Fep.FreeEnergyEMA, 'f', 6, 64),
		})
	}
	w.Flush()

	if err := rt.EndSession(ctx, tsUs+1); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: end session: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== SIMULATION SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "Steps:              %d\n", *steps)
	fmt.Fprintf(os.Stderr, "Belief mode switches: %d\n", modeSwitches)
	fmt.Fprintf(os.Stderr, "Final mode:         %s\n", lastMode)
}

func floatPtr(v float64) *float64 { return &v }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
