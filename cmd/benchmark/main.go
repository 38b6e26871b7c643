package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"lsmkv/pkg/client"
	"lsmkv/pkg/maps"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	baseURL := flag.String("url", "http://localhost:9090", "lsmkv server address")
	mapName := flag.String("map", "", "map used for the run; a fresh bench-<uuid> map when empty")
	ops := flag.Int("ops", 1000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "parallel workers for the concurrent tests")
	valueSize := flag.Int("value-size", 100, "value size in bytes")
	flag.Parse()

	if *mapName == "" {
		*mapName = "bench-" + uuid.NewString()
	}

	ctx := context.Background()
	cli := client.New(*baseURL)

	fmt.Println("=== lsmkv benchmark ===")
	fmt.Printf("Target: %s, map: %s\n\n", *baseURL, *mapName)

	if err := cli.Ping(ctx); err != nil {
		fmt.Printf("ERROR: server %s is not available: %v\n", *baseURL, err)
		os.Exit(1)
	}
	if _, err := cli.AddMap(ctx, *mapName); err != nil {
		fmt.Printf("ERROR: add map: %v\n", err)
		os.Exit(1)
	}

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	write := func(worker, i int) error {
		code, err := cli.Put(ctx, *mapName, []byte(fmt.Sprintf("bench_key_%d_%d", worker, i)), value)
		return outcome(code, err)
	}
	read := func(worker, i int) error {
		_, code, err := cli.Get(ctx, *mapName, []byte(fmt.Sprintf("bench_key_%d_%d", worker, i)))
		return outcome(code, err)
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, write))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, read))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d workers)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, write))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d workers)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, read))

	fmt.Println("\nTest 5: Full Scan (100 records per page)")
	printResult(benchmark(1, 1, func(int, int) error {
		var start []byte
		incl := true
		for {
			recs, code, err := cli.Scan(ctx, maps.ScanRequest{Map: *mapName, Start: start, StartIncluded: incl, MaxRecords: 100})
			if err != nil {
				return err
			}
			if code == maps.ScanEnded || len(recs) == 0 {
				return nil
			}
			start, incl = recs[len(recs)-1].Key, false
		}
	}))

	if st, err := cli.Stats(ctx); err == nil {
		fmt.Printf("\nStore: mem=%d bytes, frozen=%d, seq=%d\n", st.MemBytes, st.Frozen, st.Seq)
		for _, l := range st.Levels {
			if l.Runs > 0 {
				fmt.Printf("  L%d: %d runs, %d bytes, %d tuples\n", l.Level, l.Runs, l.Bytes, l.Tuples)
			}
		}
	}

	fmt.Println("\n=== Benchmark Complete ===")
}

func outcome(code maps.ResponseCode, err error) error {
	if err != nil {
		return err
	}
	return code.Err()
}

// benchmark spreads totalOps over concurrency workers. Worker w runs
// operations 0..n-1 of its own key space.
func benchmark(totalOps, concurrency int, op func(worker, i int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerWorker := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			n := opsPerWorker
			if worker < remainder {
				n++
			}
			for i := 0; i < n; i++ {
				opStart := time.Now()
				err := op(worker, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
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
	return summarize(totalOps, successful, time.Since(start), latencies)
}

func summarize(totalOps, successful int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     len(latencies) - successful,
		Duration:      duration,
	}
	if duration > 0 {
		res.OpsPerSec = float64(successful) / duration.Seconds()
	}
	if len(latencies) == 0 {
		return res
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	var sum time.Duration
	for _, lat := range sorted {
		sum += lat
	}
	res.MinLatency = sorted[0]
	res.MaxLatency = sorted[len(sorted)-1]
	res.AvgLatency = sum / time.Duration(len(sorted))
	res.P99Latency = sorted[(len(sorted)-1)*99/100]
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
