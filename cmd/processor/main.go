// Package main runs a rate-limited batch of requests against a remote API.
//
// Every line of the requests file is sent once, within the requests-per-minute and
// tokens-per-minute limits of the remote service, and its outcome is appended to the
// save file. Re-running with the same save file resumes where the last run stopped.
//
// Features:
//   - Local or Redis-shared rate limit buckets
//   - Retries with a processor-wide cooldown after rate limit errors
//   - Prometheus metrics and a JSON run status on metrics_addr
//   - Optional cron schedule that re-runs the batch with resume
//   - Graceful shutdown on SIGINT/SIGTERM, waiting for in-flight calls
//
// Usage:
//
//	go run ./cmd/processor -config batchq.yaml -requests requests.jsonl -save responses.jsonl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/config"
	"github.com/guido-cesarano/batchq/pkg/estimator"
	"github.com/guido-cesarano/batchq/pkg/logger"
	"github.com/guido-cesarano/batchq/pkg/processor"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/guido-cesarano/batchq/pkg/remote"
	"github.com/guido-cesarano/batchq/pkg/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	requestsPath := flag.String("requests", "requests.jsonl", "Requests file, one JSON request per line")
	savePath := flag.String("save", "responses.jsonl", "Checkpoint file receiving one outcome per line")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *requestsPath, *savePath); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Log.Info().Msg("Shut down before the batch finished; re-run to resume")
			os.Exit(130)
		}
		logger.Log.Error().Err(err).Msg("Batch run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, requestsPath, savePath string) error {
	if cfg.NeedsProbe() {
		limits, _ := remote.ProbeLimits(ctx, &http.Client{Timeout: cfg.RequestTimeout()}, cfg.RequestURL, cfg.APIKey, cfg.Model)
		cfg = cfg.WithLimits(limits)
	}
	logger.Log.Info().
		Int("max_requests_per_minute", cfg.MaxRequestsPerMinute).
		Int("max_tokens_per_minute", cfg.MaxTokensPerMinute).
		Str("ledger", cfg.Ledger).
		Msg("Rate limits resolved")

	ledger, closeLedger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	est, err := newEstimator(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := status.NewMetrics(reg)

	client := remote.NewClient(cfg.RequestURL, cfg.APIKey,
		remote.WithTimeout(cfg.RequestTimeout()),
		remote.WithClassifier(classifier(cfg.RateLimitMarkers)),
	)

	pcfg := cfg.Processor()
	if cfg.Schedule != "" && pcfg.Resume == checkpoint.ResumeOff {
		logger.Log.Warn().Msg("Scheduled runs always resume, switching resume mode to retry_failed")
		pcfg.Resume = checkpoint.ResumeRetryFailed
		pcfg.Overwrite = false
	}

	proc, err := processor.New(pcfg, processor.Deps{
		Ledger:    ledger,
		Caller:    client,
		Estimator: est,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		if cfg.StatusAPIKey == "" {
			logger.Log.Warn().Msg("status_api_key not set. Authentication disabled.")
		}
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           setupRouter(proc.Status, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.StatusAPIKey),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Schedule == "" {
		_, err := proc.Run(ctx, requestsPath, savePath)
		return err
	}
	return runScheduled(ctx, proc, cfg.Schedule, requestsPath, savePath)
}

// runScheduled runs the batch now and then on every tick of spec until ctx is done.
// A tick that fires while a run is still going is skipped.
func runScheduled(ctx context.Context, proc *processor.Processor, spec, requestsPath, savePath string) error {
	once := func() {
		if _, err := proc.Run(ctx, requestsPath, savePath); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error().Err(err).Str("spec", spec).Msg("Scheduled batch run failed")
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, once); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	once()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.Start()
	logger.Log.Info().Str("spec", spec).Msg("Batch scheduled")
	<-ctx.Done()

	logger.Log.Info().Msg("Stopping scheduler...")
	<-c.Stop().Done()
	return nil
}

func newLedger(ctx context.Context, cfg config.Config) (ratelimit.Ledger, func(), error) {
	limits := cfg.Limits()
	if cfg.Ledger != config.LedgerRedis {
		l, err := ratelimit.NewLocal(limits)
		return l, func() {}, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis ledger at %s: %w", cfg.RedisAddr, err)
	}

	l, err := ratelimit.NewRedis(rdb, cfg.RedisKey, limits)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	logger.Log.Info().Str("addr", cfg.RedisAddr).Str("key", cfg.RedisKey).Msg("Using shared Redis ledger")
	return l, func() { rdb.Close() }, nil
}

func newEstimator(cfg config.Config) (*estimator.Estimator, error) {
	endpoint, err := estimator.EndpointFromURL(cfg.RequestURL)
	if err != nil {
		return nil, err
	}
	enc, err := estimator.NewTiktoken(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return estimator.New(endpoint, enc), nil
}

func classifier(markers []string) remote.Classifier {
	if len(markers) == 0 {
		return remote.DefaultClassifier
	}
	extra := remote.ContainsAny(markers...)
	return func(code int, message string) bool {
		return remote.DefaultClassifier(code, message) || extra(code, message)
	}
}
