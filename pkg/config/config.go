// Package config loads the processor configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// BATCHQ_* environment variables. The result is validated as a whole and every
// problem is reported at once.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/processor"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/robfig/cron/v3"
	"go.yaml.in/yaml/v2"
)

// Ledger backends.
const (
	LedgerLocal = "local"
	LedgerRedis = "redis"
)

// Config is the full configuration of a processor run.
type Config struct {
	RequestURL string `yaml:"request_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`

	// Zero limits are probed from the remote service.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	MaxTokensPerMinute   int `yaml:"max_tokens_per_minute"`

	MaxAttempts int    `yaml:"max_attempts"`
	Resume      string `yaml:"resume"`
	Overwrite   bool   `yaml:"overwrite"`

	CooldownWindowSeconds float64 `yaml:"cooldown_window_seconds"`
	PollIntervalSeconds   float64 `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds"`
	DrainTimeoutSeconds   float64 `yaml:"drain_timeout_seconds"`

	// MaxInFlight of zero means ten times the request limit.
	MaxInFlight int `yaml:"max_in_flight"`

	// RateLimitMarkers are extra error message fragments that mean a rate limit.
	RateLimitMarkers []string `yaml:"rate_limit_markers"`

	Ledger    string `yaml:"ledger"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`

	MetricsAddr  string `yaml:"metrics_addr"`
	StatusAPIKey string `yaml:"status_api_key"`

	Schedule string `yaml:"schedule"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RequestURL:            "https://api.openai.com/v1/chat/completions",
		APIKey:                os.Getenv("OPENAI_API_KEY"),
		Model:                 "gpt-4o-mini",
		MaxAttempts:           5,
		Resume:                string(checkpoint.ResumeRetryFailed),
		CooldownWindowSeconds: 15,
		PollIntervalSeconds:   0.001,
		RequestTimeoutSeconds: 60,
		DrainTimeoutSeconds:   30,
		Ledger:                LedgerLocal,
		RedisAddr:             "127.0.0.1:6379",
		RedisKey:              "batchq:ledger",
		MetricsAddr:           ":8080",
		LogLevel:              "info",
	}
}

// Load reads path (skipped when empty), applies environment overrides and validates.
// Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RequestURL = getenvDefault("BATCHQ_REQUEST_URL", c.RequestURL)
	c.APIKey = getenvDefault("BATCHQ_API_KEY", c.APIKey)
	c.Model = getenvDefault("BATCHQ_MODEL", c.Model)
	c.MaxRequestsPerMinute = getenvIntDefault("BATCHQ_MAX_REQUESTS_PER_MINUTE", c.MaxRequestsPerMinute)
	c.MaxTokensPerMinute = getenvIntDefault("BATCHQ_MAX_TOKENS_PER_MINUTE", c.MaxTokensPerMinute)
	c.MaxAttempts = getenvIntDefault("BATCHQ_MAX_ATTEMPTS", c.MaxAttempts)
	c.Resume = getenvDefault("BATCHQ_RESUME", c.Resume)
	c.Overwrite = getenvBoolDefault("BATCHQ_OVERWRITE", c.Overwrite)
	c.CooldownWindowSeconds = getenvFloatDefault("BATCHQ_COOLDOWN_WINDOW_SECONDS", c.CooldownWindowSeconds)
	c.PollIntervalSeconds = getenvFloatDefault("BATCHQ_POLL_INTERVAL_SECONDS", c.PollIntervalSeconds)
	c.RequestTimeoutSeconds = getenvFloatDefault("BATCHQ_REQUEST_TIMEOUT_SECONDS", c.RequestTimeoutSeconds)
	c.DrainTimeoutSeconds = getenvFloatDefault("BATCHQ_DRAIN_TIMEOUT_SECONDS", c.DrainTimeoutSeconds)
	c.MaxInFlight = getenvIntDefault("BATCHQ_MAX_IN_FLIGHT", c.MaxInFlight)
	if v := os.Getenv("BATCHQ_RATE_LIMIT_MARKERS"); v != "" {
		c.RateLimitMarkers = strings.Split(v, ",")
	}
	c.Ledger = getenvDefault("BATCHQ_LEDGER", c.Ledger)
	c.RedisAddr = getenvDefault("BATCHQ_REDIS_ADDR", c.RedisAddr)
	c.RedisKey = getenvDefault("BATCHQ_REDIS_KEY", c.RedisKey)
	c.MetricsAddr = getenvDefault("BATCHQ_METRICS_ADDR", c.MetricsAddr)
	c.StatusAPIKey = getenvDefault("BATCHQ_STATUS_API_KEY", c.StatusAPIKey)
	c.Schedule = getenvDefault("BATCHQ_SCHEDULE", c.Schedule)
	c.LogLevel = getenvDefault("BATCHQ_LOG_LEVEL", c.LogLevel)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.RequestURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("request_url %q is not an absolute URL", c.RequestURL))
	}
	if c.MaxRequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("max_requests_per_minute must be >= 0, got %d", c.MaxRequestsPerMinute))
	}
	if c.MaxTokensPerMinute < 0 {
		errs = append(errs, fmt.Errorf("max_tokens_per_minute must be >= 0, got %d", c.MaxTokensPerMinute))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if _, err := checkpoint.ParseResumeMode(c.Resume); err != nil {
		errs = append(errs, err)
	}
	if c.CooldownWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("cooldown_window_seconds must be >= 0, got %g", c.CooldownWindowSeconds))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds must be > 0, got %g", c.PollIntervalSeconds))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds must be > 0, got %g", c.RequestTimeoutSeconds))
	}
	if c.DrainTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("drain_timeout_seconds must be > 0, got %g", c.DrainTimeoutSeconds))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("max_in_flight must be >= 0, got %d", c.MaxInFlight))
	}
	switch c.Ledger {
	case LedgerLocal:
	case LedgerRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis ledger"))
		}
		if c.RedisKey == "" {
			errs = append(errs, errors.New("redis_key is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger must be %q or %q, got %q", LedgerLocal, LedgerRedis, c.Ledger))
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
		}
	}

	return errors.Join(errs...)
}

// NeedsProbe reports whether either limit must be read from the remote service.
func (c Config) NeedsProbe() bool {
	return c.MaxRequestsPerMinute == 0 || c.MaxTokensPerMinute == 0
}

// WithLimits fills unset limits from probed ones.
func (c Config) WithLimits(probed ratelimit.Limits) Config {
	if c.MaxRequestsPerMinute == 0 {
		c.MaxRequestsPerMinute = probed.RequestsPerMinute
	}
	if c.MaxTokensPerMinute == 0 {
		c.MaxTokensPerMinute = probed.TokensPerMinute
	}
	return c
}

// Limits returns the bucket limits.
func (c Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{RequestsPerMinute: c.MaxRequestsPerMinute, TokensPerMinute: c.MaxTokensPerMinute}
}

// EffectiveMaxInFlight resolves the zero default against the request limit.
func (c Config) EffectiveMaxInFlight() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return 10 * c.MaxRequestsPerMinute
}

// RequestTimeout is the per-call HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSeconds)
}

// Processor maps the configuration onto processor.Config.
func (c Config) Processor() processor.Config {
	mode, _ := checkpoint.ParseResumeMode(c.Resume)
	cooldown := seconds(c.CooldownWindowSeconds)
	if c.CooldownWindowSeconds == 0 {
		cooldown = -1
	}
	return processor.Config{
		MaxAttempts:    c.MaxAttempts,
		CooldownWindow: cooldown,
		PollInterval:   seconds(c.PollIntervalSeconds),
		MaxInFlight:    c.EffectiveMaxInFlight(),
		DrainTimeout:   seconds(c.DrainTimeoutSeconds),
		Resume:         mode,
		Overwrite:      c.Overwrite,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
