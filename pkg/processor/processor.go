// Package processor runs a batch of requests against a rate-limited remote service.
//
// One control goroutine owns every piece of mutable state: the held task, the retry
// queue, the status tracker and the checkpoint store. Each admitted task is called
// on its own goroutine, which reports back through a channel and touches nothing else.
//
// Loop:
//  1. Apply finished calls: persist successes, retry or abandon failures
//  2. If no task is held, take one from the retry queue, else read the next source line
//  3. Unless a rate limit error arrived within the cooldown window, try to admit the
//     held task against the in-flight limit and the capacity ledger
//  4. Stop once the source is exhausted and no task is in progress
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/guido-cesarano/batchq/pkg/remote"
	"github.com/guido-cesarano/batchq/pkg/status"
)

const (
	defaultMaxAttempts    = 5
	defaultCooldownWindow = 15 * time.Second
	defaultPollInterval   = time.Millisecond
	defaultMaxInFlight    = 1000
	defaultDrainTimeout   = 30 * time.Second

	// maxResultBuffer caps the results channel; calls past it wait for the loop.
	maxResultBuffer = 4096
)

// Config tunes one run.
type Config struct {
	// MaxAttempts is the number of calls a task may make before it is abandoned.
	MaxAttempts int

	// CooldownWindow pauses admission after a rate limit error.
	// Zero selects the default; a negative window disables the pause.
	CooldownWindow time.Duration

	// PollInterval is how long the loop sleeps when it made no progress.
	PollInterval time.Duration

	// MaxInFlight bounds concurrent remote calls.
	MaxInFlight int

	// DrainTimeout bounds how long a cancelled run waits for in-flight calls.
	DrainTimeout time.Duration

	Resume    checkpoint.ResumeMode
	Overwrite bool
}

// Estimator returns the token units a payload will consume.
type Estimator interface {
	Estimate(payload json.RawMessage) (int, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(payload json.RawMessage) (int, error)

// Estimate implements Estimator.
func (f EstimatorFunc) Estimate(payload json.RawMessage) (int, error) { return f(payload) }

// Deps are the collaborators of a run.
type Deps struct {
	Ledger    ratelimit.Ledger
	Caller    remote.Caller
	Estimator Estimator

	// Metrics may be nil.
	Metrics *status.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Summary is reported when a run ends.
type Summary struct {
	status.Snapshot
	Resume  checkpoint.Report `json:"resume"`
	Elapsed time.Duration     `json:"elapsed"`
}

// Processor runs batches. Runs on the same Processor must not overlap.
type Processor struct {
	cfg     Config
	deps    Deps
	current atomic.Pointer[status.Tracker]
}

// New validates cfg and deps and fills in defaults.
func New(cfg Config, deps Deps) (*Processor, error) {
	var errs []error
	if deps.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if deps.Caller == nil {
		errs = append(errs, errors.New("caller is required"))
	}
	if deps.Estimator == nil {
		errs = append(errs, errors.New("estimator is required"))
	}
	if cfg.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", cfg.MaxAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.CooldownWindow < 0 {
		cfg.CooldownWindow = 0
	} else if cfg.CooldownWindow == 0 {
		cfg.CooldownWindow = defaultCooldownWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Resume == "" {
		cfg.Resume = checkpoint.ResumeRetryFailed
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Processor{cfg: cfg, deps: deps}, nil
}

// Config returns the effective configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Status returns the last snapshot published by the current or most recent run.
// It is safe to call from any goroutine.
func (p *Processor) Status() status.Snapshot {
	if t := p.current.Load(); t != nil {
		return t.Latest()
	}
	return status.Snapshot{}
}

// Run processes every request in requestsPath and records outcomes in savePath.
//
// Per-task failures never end the run. Run returns an error when the source or the
// checkpoint cannot be read or written, and ctx.Err() when ctx is cancelled; the
// Summary is valid in both cases.
func (p *Processor) Run(ctx context.Context, requestsPath, savePath string) (Summary, error) {
	r, err := p.newRun(requestsPath, savePath)
	if err != nil {
		return Summary{}, err
	}
	p.current.Store(r.tracker)

	runErr := r.loop(ctx)
	closeErr := r.close()
	return r.summarize(), errors.Join(runErr, closeErr)
}

// Run is a one-shot helper that builds a Processor and runs it once.
func Run(ctx context.Context, cfg Config, deps Deps, requestsPath, savePath string) (Summary, error) {
	p, err := New(cfg, deps)
	if err != nil {
		return Summary{}, err
	}
	return p.Run(ctx, requestsPath, savePath)
}
