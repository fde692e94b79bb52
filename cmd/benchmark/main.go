package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"geocache/pkg/rpc"
	"geocache/pkg/store"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// op runs one operation for worker w, iteration i; ok=false counts as a failure.
type op func(ctx context.Context, w, i int) (ok bool)

func main() {
	var (
		addr        = flag.String("addr", "localhost:8080", "region to write to")
		remote      = flag.String("remote", "", "second region; enables the convergence test")
		ops         = flag.Int("ops", 1000, "operations per test")
		concurrency = flag.Int("c", 10, "concurrent workers")
		valueSize   = flag.Int("size", 128, "value size in bytes")
	)
	flag.Parse()

	ctx := context.Background()
	local := rpc.NewClient(*addr)

	fmt.Println("=== geocache Benchmark ===")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Println()

	if _, err := local.Health(ctx); err != nil {
		fmt.Printf("ERROR: region %s is not available: %v\n", *addr, err)
		os.Exit(1)
	}

	value := store.Value{Data: make([]byte, *valueSize), Type: "application/octet-stream"}
	key := func(w, i int) string { return fmt.Sprintf("bench_key_%d_%d", w, i) }

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(run(ctx, *ops, 1, func(ctx context.Context, w, i int) bool {
		_, err := local.Set(ctx, key(w, i), value, 0)
		return err == nil
	}))

	fmt.Printf("\nTest 2: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(run(ctx, *ops, *concurrency, func(ctx context.Context, w, i int) bool {
		_, err := local.Set(ctx, key(w, i), value, 0)
		return err == nil
	}))

	fmt.Printf("\nTest 3: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(run(ctx, *ops, *concurrency, func(ctx context.Context, w, i int) bool {
		_, found, err := local.Get(ctx, key(w, i))
		return err == nil && found
	}))

	if *remote != "" {
		fmt.Printf("\nTest 4: Convergence %s -> %s (%d keys)\n", *addr, *remote, *ops/10+1)
		printResult(convergence(ctx, local, rpc.NewClient(*remote), *ops/10+1, value))
	}

	fmt.Println("\n=== Benchmark Complete ===")
}

func run(ctx context.Context, totalOps, concurrency int, fn op) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			n := opsPerGoroutine
			if w < remainder {
				n++
			}
			for i := 0; i < n; i++ {
				opStart := time.Now()
				ok := fn(ctx, w, i)
				latency := time.Since(opStart)

				mu.Lock()
				if ok {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()
	return summarize(totalOps, successful, failed, time.Since(start), latencies)
}

// convergence writes keys to one region and measures how long each takes to become
// readable in the other.
func convergence(ctx context.Context, from, to *rpc.Client, keys int, value store.Value) BenchmarkResult {
	const deadline = 30 * time.Second

	start := time.Now()
	successful, failed := 0, 0
	latencies := make([]time.Duration, 0, keys)

	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("converge_%d_%d", start.UnixNano(), i)
		written := time.Now()
		if _, err := from.Set(ctx, key, value, 0); err != nil {
			failed++
			continue
		}

		seen := false
		for time.Since(written) < deadline {
			if _, found, err := to.Get(ctx, key); err == nil && found {
				seen = true
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if seen {
			successful++
			latencies = append(latencies, time.Since(written))
		} else {
			failed++
		}
	}

	return summarize(keys, successful, failed, time.Since(start), latencies)
}

func summarize(totalOps, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	var minLat, maxLat, sum time.Duration
	if len(latencies) > 0 {
		minLat = latencies[0]
		maxLat = latencies[0]
		for _, lat := range latencies {
			minLat = min(minLat, lat)
			maxLat = max(maxLat, lat)
			sum += lat
		}
	}

	var avgLatency time.Duration
	if len(latencies) > 0 {
		avgLatency = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avgLatency,
		MinLatency:    minLat,
		MaxLatency:    maxLat,
	}
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
