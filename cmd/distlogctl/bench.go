package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"distlog/pkg/client"
	"distlog/pkg/types"
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

type latencies struct {
	mu         sync.Mutex
	ok, failed int
	values     []time.Duration
}

func (l *latencies) record(d time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.ok++
	} else {
		l.failed++
	}
	l.values = append(l.values, d)
}

func (l *latencies) result(duration time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      l.ok + l.failed,
		SuccessfulOps: l.ok,
		FailedOps:     l.failed,
		Duration:      duration,
	}
	if len(l.values) == 0 {
		return res
	}
	var sum time.Duration
	res.MinLatency, res.MaxLatency = l.values[0], l.values[0]
	for _, v := range l.values {
		res.MinLatency = min(res.MinLatency, v)
		res.MaxLatency = max(res.MaxLatency, v)
		sum += v
	}
	res.AvgLatency = sum / time.Duration(len(l.values))
	res.OpsPerSec = float64(l.ok) / duration.Seconds()
	return res
}

// cmdBench claims every partition for node and appends ops blocks to each,
// one writer per partition, then reads the frontiers concurrently.
func cmdBench(ctx context.Context, c *client.Blocking, partitions []types.PartitionID, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	node := fs.String("node", "bench", "writer node id")
	ops := fs.Int("ops", 100, "appends per partition")
	_ = fs.Parse(args)

	fmt.Println("=== distlog benchmark ===")
	term := time.Now().UnixNano()
	for _, p := range partitions {
		ok, err := c.ClaimLeadership(ctx, p, *node, term)
		if err != nil {
			return explain(err)
		}
		if !ok {
			return fmt.Errorf("leadership of %s rejected for term %d", p, term)
		}
	}

	var writes latencies
	start := time.Now()
	var wg sync.WaitGroup
	for _, p := range partitions {
		wg.Add(1)
		go func(p types.PartitionID) {
			defer wg.Done()
			next, err := c.LastAppendIndex(ctx, p)
			if err != nil {
				writes.record(0, err)
				return
			}
			for i := 0; i < *ops; i++ {
				next++
				block := []byte(fmt.Sprintf("bench_%s_%d_%d", p, next, time.Now().UnixNano()))
				opStart := time.Now()
				_, err := c.Append(ctx, p, *node, next, next, block)
				writes.record(time.Since(opStart), err)
			}
		}(p)
	}
	wg.Wait()
	printResult(fmt.Sprintf("Appends (%d partitions x %d)", len(partitions), *ops), writes.result(time.Since(start)))

	var reads latencies
	start = time.Now()
	for i := 0; i < *ops; i++ {
		for _, p := range partitions {
			wg.Add(1)
			go func(p types.PartitionID) {
				defer wg.Done()
				opStart := time.Now()
				_, err := c.LastAppendIndex(ctx, p)
				reads.record(time.Since(opStart), err)
			}(p)
		}
	}
	wg.Wait()
	printResult("Concurrent lastAppendIndex", reads.result(time.Since(start)))
	return nil
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Printf("\n%s\n", testName)
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
