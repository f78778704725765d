package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/HieraChain-Swarm/api"
	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/storage"
	"github.com/VanDung-dev/HieraChain-Swarm/swarm"
)

// BenchConfig holds configuration for the benchmark.
type BenchConfig struct {
	Address     string
	Agents      int
	SwarmID     string
	Workload    string
	Algorithm   string
	Concurrency int
	Duration    time.Duration
	Timeout     time.Duration
	AuthToken   string
	ReportFile  string
}

// BenchResult holds the results of a benchmark run.
type BenchResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

// Workloads
const (
	workloadConsensus = "consensus"
	workloadSync      = "sync"
)

type operation func(ctx context.Context, client *api.Client, worker int, seq int64) error

func main() {
	config := parseFlags()

	fmt.Println("=== HieraChain-Swarm Benchmark ===")
	if config.Address != "" {
		fmt.Printf("Target: %s\n", config.Address)
	} else {
		fmt.Printf("Target: in-process swarm of %d agents\n", config.Agents)
	}
	fmt.Printf("Workload: %s\n", config.Workload)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	op, err := workload(config)
	if err != nil {
		log.Fatal(err)
	}

	address := config.Address
	if address == "" {
		local, stop, err := startLocalSwarm(config)
		if err != nil {
			log.Fatalf("Failed to start local swarm: %v", err)
		}
		defer stop()
		address = local
	}

	client, err := dial(address, config.AuthToken)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", address, err)
	}
	defer client.Close()

	result := runBench(config, client, op)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() BenchConfig {
	config := BenchConfig{}

	flag.StringVar(&config.Address, "addr", "", "gRPC address of a running agent (empty starts an in-process swarm)")
	flag.IntVar(&config.Agents, "agents", 5, "Number of in-process agents")
	flag.StringVar(&config.SwarmID, "swarm", "bench", "Swarm id")
	flag.StringVar(&config.Workload, "w", workloadConsensus, "Workload: consensus or sync")
	flag.StringVar(&config.Algorithm, "algo", "", "Consensus algorithm (empty uses the agent default)")
	flag.IntVar(&config.Concurrency, "c", 4, "Number of concurrent workers")
	flag.DurationVar(&config.Duration, "d", 10*time.Second, "Duration of the run")
	flag.DurationVar(&config.Timeout, "timeout", 2*time.Second, "Per-operation timeout")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func workload(config BenchConfig) (operation, error) {
	switch config.Workload {
	case workloadConsensus:
		return func(ctx context.Context, client *api.Client, worker int, seq int64) error {
			payload := []byte(fmt.Sprintf(`{"worker":%d,"seq":%d}`, worker, seq))
			result, err := client.RequestConsensus(ctx, config.SwarmID, payload, config.Algorithm, config.Timeout)
			if err != nil {
				return err
			}
			if result.Decision == consensus.Timeout {
				return fmt.Errorf("proposal %s timed out", result.ProposalID)
			}
			return nil
		}, nil

	case workloadSync:
		return func(ctx context.Context, client *api.Client, worker int, seq int64) error {
			key := "bench-" + strconv.Itoa(worker)
			value := json.RawMessage(strconv.FormatInt(seq, 10))
			if _, err := client.UpdateState(ctx, config.SwarmID, key, value, nil); err != nil {
				return err
			}
			resp, err := client.SynchronizeState(ctx, config.SwarmID, key, config.Timeout)
			if err != nil {
				return err
			}
			if !resp.Synchronized {
				return fmt.Errorf("key %s did not synchronize", key)
			}
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown workload %q", config.Workload)
	}
}

func dial(address, token string) (*api.Client, error) {
	if token != "" {
		return api.Dial(address, api.WithToken(token))
	}
	return api.Dial(address)
}

// startLocalSwarm runs config.Agents agents on a hub and serves the first one over
// gRPC on a loopback port.
func startLocalSwarm(config BenchConfig) (string, func(), error) {
	hub := network.NewHub(network.DefaultHubConfig())

	var first *swarm.Agent
	for i := 0; i < config.Agents; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		cfg := swarm.DefaultConfig(id)
		cfg.Consensus.Timeout = config.Timeout
		cfg.Sync.Timeout = config.Timeout

		agent, err := swarm.NewAgent(cfg, hub, storage.NewMemoryStore())
		if err != nil {
			hub.Close()
			return "", nil, err
		}
		hub.Join(config.SwarmID, id, agent.HandleMessage)
		if first == nil {
			first = agent
		}
	}
	if first == nil {
		hub.Close()
		return "", nil, fmt.Errorf("need at least one agent")
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		hub.Close()
		return "", nil, err
	}
	serverCfg := api.DefaultServerConfig()
	serverCfg.AuthToken = config.AuthToken
	server := api.NewServer(first, nil, serverCfg)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	return lis.Addr().String(), func() {
		server.Stop()
		hub.Close()
	}, nil
}

func runBench(config BenchConfig, client *api.Client, op operation) BenchResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		seq          int64
		wg           sync.WaitGroup
	)

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for ctx.Err() == nil {
				opCtx, opCancel := context.WithTimeout(context.Background(), 2*config.Timeout)
				start := time.Now()
				err := op(opCtx, client, workerID, atomic.AddInt64(&seq, 1))
				latency := int64(time.Since(start))
				opCancel()

				atomic.AddInt64(&totalReqs, 1)
				if err != nil {
					atomic.AddInt64(&failedReqs, 1)
					time.Sleep(10 * time.Millisecond)
					continue
				}
				atomic.AddInt64(&successReqs, 1)
				atomic.AddInt64(&totalLatency, latency)

				for {
					old := atomic.LoadInt64(&minLatency)
					if latency >= old || atomic.CompareAndSwapInt64(&minLatency, old, latency) {
						break
					}
				}
				for {
					old := atomic.LoadInt64(&maxLatency)
					if latency <= old || atomic.CompareAndSwapInt64(&maxLatency, old, latency) {
						break
					}
				}
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&totalReqs)
	success := atomic.LoadInt64(&successReqs)

	var avgLatency time.Duration
	minLat := atomic.LoadInt64(&minLatency)
	if success > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&totalLatency) / success)
	} else {
		minLat = 0
	}

	return BenchResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     atomic.LoadInt64(&failedReqs),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(atomic.LoadInt64(&maxLatency)),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result BenchResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config BenchConfig, result BenchResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"agents":      config.Agents,
			"workload":    config.Workload,
			"algorithm":   config.Algorithm,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
