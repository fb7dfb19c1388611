// Package main provides a benchmark tool for batchq to measure end-to-end batch throughput.
// It generates a requests file, serves a fake remote API locally and runs the processor
// against it until every request has an outcome.
//
// Usage:
//
//	go run ./benchmark -tasks 10000 -latency 20ms -rpm 600000
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/estimator"
	"github.com/guido-cesarano/batchq/pkg/processor"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/guido-cesarano/batchq/pkg/remote"
	"github.com/guido-cesarano/batchq/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of requests to generate")
	latency := flag.Duration("latency", 20*time.Millisecond, "Simulated remote latency")
	failRate := flag.Float64("fail", 0.05, "Fraction of calls answered with a 500")
	rpm := flag.Int("rpm", 600_000, "Requests per minute limit")
	tpm := flag.Int("tpm", 100_000_000, "Tokens per minute limit")
	inFlight := flag.Int("inflight", 500, "Maximum concurrent calls")
	flag.Parse()

	dir, err := os.MkdirTemp("", "batchq-bench")
	if err != nil {
		fmt.Printf("Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	fmt.Printf("batchq Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Requests: %d\n", *numTasks)
	fmt.Printf("Latency: %s, failure rate: %.2f\n", *latency, *failRate)
	fmt.Printf("Limits: %d rpm, %d tpm, %d in flight\n\n", *rpm, *tpm, *inFlight)

	// Generate phase
	fmt.Printf("Generating requests file...\n")
	startGen := time.Now()
	requests := filepath.Join(dir, "requests.jsonl")
	if err := writeRequests(requests, *numTasks); err != nil {
		fmt.Printf("Error writing requests: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Generated %d requests in %s\n\n", *numTasks, time.Since(startGen))

	srv := httptest.NewServer(fakeRemote(*latency, *failRate))
	defer srv.Close()

	ledger, err := ratelimit.NewLocal(ratelimit.Limits{RequestsPerMinute: *rpm, TokensPerMinute: *tpm})
	if err != nil {
		fmt.Printf("Error creating ledger: %v\n", err)
		os.Exit(1)
	}
	enc, err := estimator.NewTiktoken("gpt-4o-mini")
	if err != nil {
		fmt.Printf("Error loading tokenizer: %v\n", err)
		os.Exit(1)
	}

	cfg := processor.Config{
		MaxAttempts:    5,
		CooldownWindow: -1,
		MaxInFlight:    *inFlight,
		Resume:         checkpoint.ResumeOff,
		Overwrite:      true,
	}
	deps := processor.Deps{
		Ledger:    ledger,
		Caller:    remote.NewClient(srv.URL+"/v1/chat/completions", "bench"),
		Estimator: estimator.New(estimator.EndpointChat, enc),
	}

	// Process phase
	fmt.Printf("Processing...\n")
	startProcess := time.Now()
	summary, err := processor.Run(context.Background(), cfg, deps, requests, filepath.Join(dir, "responses.jsonl"))
	if err != nil {
		fmt.Printf("Error running batch: %v\n", err)
		os.Exit(1)
	}
	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All requests processed in %s\n", processTime)
	fmt.Printf("  Succeeded: %d, failed: %d, retried: %d\n", summary.Succeeded, summary.Failed, summary.Retried)
	fmt.Printf("  Throughput: %.2f requests/sec\n", float64(*numTasks)/processTime.Seconds())
}

func writeRequests(path string, n int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		id, _ := json.Marshal(uuid.NewString())
		payload, _ := json.Marshal(map[string]any{
			"model":      "gpt-4o-mini",
			"max_tokens": 16,
			"messages": []map[string]string{
				{"role": "user", "content": fmt.Sprintf("Benchmark request number %d", i)},
			},
		})
		line, err := tasks.EncodeLine(tasks.PendingRequest{
			Identifier:    tasks.Identifier(id),
			Payload:       payload,
			AssociatedRow: json.RawMessage(fmt.Sprintf(`{"row":%d}`, i)),
		})
		if err != nil {
			return err
		}
		if err := enc.Encode(json.RawMessage(line)); err != nil {
			return err
		}
	}
	return nil
}

// fakeRemote answers like a chat completions endpoint after latency,
// failing a fraction of calls with a server error.
func fakeRemote(latency time.Duration, failRate float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(latency)
		w.Header().Set("Content-Type", "application/json")
		if rand.Float64() < failRate {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"The server had an error while processing your request"}}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})
}
