package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batchq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.Ledger != LedgerLocal {
		t.Errorf("Expected local ledger, got %s", cfg.Ledger)
	}
	if !cfg.NeedsProbe() {
		t.Error("Expected unset limits to require a probe")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
request_url: https://example.test/v1/chat/completions
max_requests_per_minute: 60
max_tokens_per_minute: 10000
max_attempts: 3
resume: skip_all
ledger: redis
rate_limit_markers: ["quota exceeded"]
`)
	t.Setenv("BATCHQ_MAX_ATTEMPTS", "7")
	t.Setenv("BATCHQ_REDIS_KEY", "custom:ledger")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxAttempts != 7 {
		t.Errorf("Expected env to override attempts to 7, got %d", cfg.MaxAttempts)
	}
	if cfg.RedisKey != "custom:ledger" {
		t.Errorf("Expected custom redis key, got %s", cfg.RedisKey)
	}
	if cfg.Limits() != (ratelimit.Limits{RequestsPerMinute: 60, TokensPerMinute: 10000}) {
		t.Errorf("Unexpected limits %+v", cfg.Limits())
	}
	if len(cfg.RateLimitMarkers) != 1 || cfg.RateLimitMarkers[0] != "quota exceeded" {
		t.Errorf("Unexpected markers %v", cfg.RateLimitMarkers)
	}

	pc := cfg.Processor()
	if pc.Resume != checkpoint.ResumeSkipAll {
		t.Errorf("Expected skip_all, got %s", pc.Resume)
	}
	if pc.MaxInFlight != 600 {
		t.Errorf("Expected in-flight default of 10x rpm, got %d", pc.MaxInFlight)
	}
	if pc.CooldownWindow != 15*time.Second {
		t.Errorf("Expected 15s cooldown, got %v", pc.CooldownWindow)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "max_attempt: 3\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected unknown key to be rejected")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.RequestURL = "not a url"
	cfg.MaxAttempts = 0
	cfg.Resume = "sometimes"
	cfg.Ledger = "memcached"
	cfg.Schedule = "every day"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation to fail")
	}
	for _, want := range []string{"request_url", "max_attempts", "resume mode", "ledger", "schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestWithLimitsKeepsConfigured(t *testing.T) {
	cfg := Default()
	cfg.MaxRequestsPerMinute = 100

	cfg = cfg.WithLimits(ratelimit.Limits{RequestsPerMinute: 500, TokensPerMinute: 90000})
	if cfg.MaxRequestsPerMinute != 100 {
		t.Errorf("Expected configured rpm to win, got %d", cfg.MaxRequestsPerMinute)
	}
	if cfg.MaxTokensPerMinute != 90000 {
		t.Errorf("Expected probed tpm, got %d", cfg.MaxTokensPerMinute)
	}
	if cfg.NeedsProbe() {
		t.Error("Expected no probe once both limits are set")
	}
}

func TestZeroCooldownDisablesPause(t *testing.T) {
	cfg := Default()
	cfg.CooldownWindowSeconds = 0
	if got := cfg.Processor().CooldownWindow; got >= 0 {
		t.Errorf("Expected a disabled (negative) cooldown, got %v", got)
	}
}
