package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/processor"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/guido-cesarano/batchq/pkg/remote"
)

func newTestProcessor(t *testing.T, calls *atomic.Int64) *processor.Processor {
	t.Helper()
	ledger, err := ratelimit.NewLocal(ratelimit.Limits{RequestsPerMinute: 1000, TokensPerMinute: 100000})
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	p, err := processor.New(processor.Config{
		CooldownWindow: -1,
		Resume:         checkpoint.ResumeRetryFailed,
	}, processor.Deps{
		Ledger: ledger,
		Caller: remote.CallerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"ok":true}`), nil
		}),
		Estimator: processor.EstimatorFunc(func(json.RawMessage) (int, error) { return 1, nil }),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestRunScheduledResumesBetweenTicks(t *testing.T) {
	dir := t.TempDir()
	requests := filepath.Join(dir, "requests.jsonl")
	if err := os.WriteFile(requests, []byte(`{"prompt":"hi","metadata":{"identifier":1}}`+"\n"), 0o644); err != nil {
		t.Fatalf("write requests: %v", err)
	}

	var calls atomic.Int64
	p := newTestProcessor(t, &calls)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	if err := runScheduled(ctx, p, "@every 1s", requests, filepath.Join(dir, "responses.jsonl")); err != nil {
		t.Fatalf("runScheduled failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected the request to be sent once across runs, got %d", got)
	}
	if !p.Status().Finished {
		t.Error("Expected the last run to be finished")
	}
}

func TestRunScheduledRejectsBadSpec(t *testing.T) {
	var calls atomic.Int64
	p := newTestProcessor(t, &calls)

	if err := runScheduled(context.Background(), p, "not a spec", "requests.jsonl", "responses.jsonl"); err == nil {
		t.Fatal("Expected an invalid schedule to be rejected")
	}
	if calls.Load() != 0 {
		t.Error("Expected no run for an invalid schedule")
	}
}

func TestClassifierAddsMarkers(t *testing.T) {
	c := classifier([]string{"quota exceeded"})
	if !c(503, "Quota exceeded for project") {
		t.Error("Expected configured marker to match")
	}
	if !c(500, "Rate limit reached") {
		t.Error("Expected default marker to still match")
	}
	if c(500, "internal error") {
		t.Error("Expected unrelated message not to match")
	}
}
