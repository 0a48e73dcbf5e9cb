// Package bench — latency/main.go
//
// Decision-path latency measurement tool.
//
// Measures the wall-clock time of one full perception-to-action pass:
// Estimator.Ingest -> FEP.Observe -> belief fusion -> controller proposal
// -> safety consensus -> domain.HashBreathState, driven directly against a
// bare internal/engine.Engine (no store, no writer task) so the numbers
// reflect core compute cost rather than I/O latency, which is the writer
// task's own concern (see internal/observability's append-latency
// histogram for that side of the picture).
//
// Output CSV columns:
//
//	iteration, latency_us, mode
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/engine"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of ingest-to-decision passes to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	seed := flag.Int64("seed", 1, "Random seed for synthetic feature generation")
	flag.Parse()

	// Lock to OS thread to minimise scheduling jitter in the timed loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "mode"})

	eng := engine.New(engine.DefaultConfig())
	eng.StartSession(0)

	rng := mrand.New(mrand.NewSource(*seed))

	const histBuckets = 50_001 // 0-50000us at 1us resolution
	hist := make([]int, histBuckets)

	tsUs := int64(0)
	for i := 0; i < *iterations; i++ {
		tsUs += 20_000 // 50Hz synthetic sample cadence, well clear of burst suppression

		feat := domain.FeatureVector{
			60 + rng.Float64()*40,
			20 + rng.Float64()*60,
			8 + rng.Float64()*14,
			0.7 + rng.Float64()*0.3,
			rng.Float64() * 0.3,
		}

		start := time.Now()
		if _, err := eng.IngestSensorWithContext(feat, tsUs); err != nil {
			fmt.Fprintf(os.Stderr, "ingest at iteration %d: %v\n", i, err)
			os.Exit(1)
		}
		_ = domain.HashBreathState(eng.BreathState())
		latency := time.Since(start)

		latencyUs := int(latency.Microseconds())
		if latencyUs >= 0 && latencyUs < len(hist) {
			hist[latencyUs]++
		} else if latencyUs >= len(hist) {
			hist[len(hist)-1]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			eng.BeliefState().Mode.String(),
		})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Decision-path latency results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
