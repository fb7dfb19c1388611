package processor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/batchq/pkg/checkpoint"
	"github.com/guido-cesarano/batchq/pkg/logger"
	"github.com/guido-cesarano/batchq/pkg/queue"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
	"github.com/guido-cesarano/batchq/pkg/remote"
	"github.com/guido-cesarano/batchq/pkg/status"
	"github.com/guido-cesarano/batchq/pkg/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	capacitySampleInterval = time.Second
	ledgerWarnInterval     = 5 * time.Second
)

// result is what a call goroutine reports back to the loop.
type result struct {
	task    *tasks.Task
	body    []byte
	err     error
	elapsed time.Duration
}

// run is the state of one Run call. Everything but results and abandonCh
// belongs to the loop goroutine.
type run struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	source  *os.File
	reader  *bufio.Reader
	store   *checkpoint.Store
	tracker *status.Tracker
	retry   *queue.RetryQueue
	sem     *semaphore.Weighted

	results chan result
	// abandonCh is closed when Run returns so straggling calls do not block forever.
	abandonCh   chan struct{}
	callCtx     context.Context
	cancelCalls context.CancelFunc

	held       *tasks.Task
	sourceDone bool
	seen       map[string]struct{}
	nextTaskID int64
	inFlight   int
	lineNo     int

	startedAt      time.Time
	lastSample     time.Time
	lastLedgerWarn time.Time
	cooling        bool
}

func (p *Processor) newRun(requestsPath, savePath string) (*run, error) {
	runID := uuid.NewString()
	log := logger.WithRun(runID)

	source, err := os.Open(requestsPath)
	if err != nil {
		return nil, fmt.Errorf("open requests file: %w", err)
	}

	store, err := checkpoint.Open(savePath, checkpoint.Options{Mode: p.cfg.Resume, Overwrite: p.cfg.Overwrite})
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}

	report := store.Report()
	if report.Completed > 0 || report.PreviouslyFailed > 0 {
		log.Info().
			Str("mode", string(p.cfg.Resume)).
			Int("completed", report.Completed).
			Int("previously_failed", report.PreviouslyFailed).
			Int("duplicates", report.Duplicates).
			Msg("Resuming from checkpoint")
	}

	buffer := p.cfg.MaxInFlight
	if buffer > maxResultBuffer {
		buffer = maxResultBuffer
	}
	callCtx, cancelCalls := context.WithCancel(context.Background())
	startedAt := p.deps.Clock()

	return &run{
		cfg:         p.cfg,
		deps:        p.deps,
		log:         log,
		source:      source,
		reader:      bufio.NewReader(source),
		store:       store,
		tracker:     status.NewTracker(runID, startedAt, p.deps.Metrics),
		retry:       queue.NewRetryQueue(),
		sem:         semaphore.NewWeighted(int64(p.cfg.MaxInFlight)),
		results:     make(chan result, buffer),
		abandonCh:   make(chan struct{}),
		callCtx:     callCtx,
		cancelCalls: cancelCalls,
		seen:        make(map[string]struct{}),
		startedAt:   startedAt,
	}, nil
}

func (r *run) loop(ctx context.Context) error {
	r.log.Info().
		Str("requests", r.source.Name()).
		Str("checkpoint", r.store.Path()).
		Int("max_attempts", r.cfg.MaxAttempts).
		Int("max_in_flight", r.cfg.MaxInFlight).
		Msg("Batch run started")

	for {
		if ctx.Err() != nil {
			if err := r.drain(); err != nil {
				return err
			}
			return ctx.Err()
		}

		progressed, err := r.applyReady()
		if err != nil {
			return err
		}

		if r.held == nil {
			read, err := r.nextTask()
			if err != nil {
				return err
			}
			progressed = progressed || read
		}

		if r.held != nil {
			admitted, err := r.tryAdmit(ctx)
			if err != nil {
				return err
			}
			progressed = progressed || admitted
		}

		r.sampleCapacity(ctx)
		r.tracker.Publish()

		if r.finished() {
			return nil
		}
		if !progressed {
			if err := r.wait(ctx); err != nil {
				return err
			}
		}
	}
}

// finished reports whether every task has reached a terminal state.
func (r *run) finished() bool {
	return r.tracker.Done() && r.held == nil && r.sourceDone && r.retry.Empty() && r.inFlight == 0
}

// wait sleeps for the poll interval, waking early for a finished call.
func (r *run) wait(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case res := <-r.results:
		return r.apply(res)
	case <-timer.C:
		return nil
	}
}

// applyReady applies every result already waiting on the channel.
func (r *run) applyReady() (bool, error) {
	applied := false
	for {
		select {
		case res := <-r.results:
			if err := r.apply(res); err != nil {
				return applied, err
			}
			applied = true
		default:
			return applied, nil
		}
	}
}

// nextTask fills the held slot from the retry queue or the source and reports
// whether it consumed anything. The slot stays empty when the line was skipped
// or the source is exhausted.
func (r *run) nextTask() (bool, error) {
	if t := r.retry.Pop(); t != nil {
		r.held = t
		return true, nil
	}
	if r.sourceDone {
		return false, nil
	}

	line, err := r.reader.ReadBytes('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("read requests file: %w", err)
		}
		r.sourceDone = true
	}
	r.lineNo++

	line = bytes.TrimSpace(line)
	if len(line) > 0 {
		r.held = r.newTask(line)
	}
	return true, nil
}

// newTask turns a source line into a queued task, or returns nil when the line
// is malformed, a duplicate, or already completed.
func (r *run) newTask(line []byte) *tasks.Task {
	req, err := tasks.ParseLine(line)
	if err != nil {
		r.log.Warn().Err(err).Int("line", r.lineNo).Msg("Skipping malformed request line")
		r.tracker.LineMalformed()
		return nil
	}

	key := req.Identifier.Key()
	if _, dup := r.seen[key]; dup {
		r.log.Warn().Stringer("identifier", req.Identifier).Int("line", r.lineNo).Msg("Skipping duplicate identifier")
		r.tracker.LineMalformed()
		return nil
	}
	if r.store.Done(req.Identifier) {
		r.seen[key] = struct{}{}
		r.log.Debug().Stringer("identifier", req.Identifier).Msg("Already completed, skipping")
		r.tracker.TaskAlreadyCompleted()
		return nil
	}

	tokens, err := r.deps.Estimator.Estimate(req.Payload)
	if err != nil {
		r.log.Warn().Err(err).Stringer("identifier", req.Identifier).Int("line", r.lineNo).Msg("Skipping request with unsupported payload")
		r.tracker.LineMalformed()
		return nil
	}

	r.seen[key] = struct{}{}
	r.nextTaskID++
	t := tasks.NewTask(r.nextTaskID, req, tasks.NewCost(tokens), r.cfg.MaxAttempts)
	r.tracker.TaskStarted()
	r.log.Debug().
		Int64("task_id", t.TaskID).
		Stringer("identifier", t.Identifier).
		Int("token_units", t.Cost.TokenUnits).
		Msg("Task queued")
	return t
}

// tryAdmit dispatches the held task if cooldown, concurrency and capacity allow.
func (r *run) tryAdmit(ctx context.Context) (bool, error) {
	now := r.deps.Clock()
	if r.tracker.InCooldown(now, r.cfg.CooldownWindow) {
		if !r.cooling {
			r.cooling = true
			r.log.Warn().
				Dur("remaining", r.tracker.CooldownRemaining(now, r.cfg.CooldownWindow)).
				Msg("Pausing admission after rate limit error")
		}
		return false, nil
	}
	r.cooling = false

	if !r.sem.TryAcquire(1) {
		return false, nil
	}

	t := r.held
	ok, err := r.deps.Ledger.TryAdmit(ctx, t.Cost)
	if err != nil {
		r.sem.Release(1)
		if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
			r.held = nil
			t.RecordError(err)
			return true, r.abandon(t)
		}
		if now.Sub(r.lastLedgerWarn) >= ledgerWarnInterval {
			r.lastLedgerWarn = now
			r.log.Warn().Err(err).Msg("Capacity ledger unavailable, holding admission")
		}
		return false, nil
	}
	if !ok {
		r.sem.Release(1)
		return false, nil
	}

	if err := t.MoveTo(tasks.StateAdmitted); err != nil {
		r.sem.Release(1)
		return false, err
	}
	if err := t.Dispatch(); err != nil {
		r.sem.Release(1)
		return false, err
	}
	if err := t.MoveTo(tasks.StateInFlight); err != nil {
		r.sem.Release(1)
		return false, err
	}

	r.held = nil
	r.inFlight++
	r.log.Debug().
		Int64("task_id", t.TaskID).
		Stringer("identifier", t.Identifier).
		Int("attempts_left", t.AttemptsLeft).
		Msg("Task dispatched")
	go r.call(t)
	return true, nil
}

// call runs on its own goroutine. It reads only t.Payload.
func (r *run) call(t *tasks.Task) {
	start := time.Now()
	res := result{task: t}

	defer func() {
		if rec := recover(); rec != nil {
			res.body = nil
			res.err = &remote.TransientError{Err: fmt.Errorf("panic in remote call: %v", rec)}
		}
		res.elapsed = time.Since(start)
		select {
		case r.results <- res:
		case <-r.abandonCh:
		}
	}()

	res.body, res.err = r.deps.Caller.Call(r.callCtx, t.Payload)
	if res.err == nil {
		switch body := bytes.TrimSpace(res.body); {
		case len(body) == 0:
			res.err = &remote.TransientError{Err: errors.New("empty response body")}
		case bytes.Equal(body, []byte("null")):
			res.err = &remote.TransientError{Err: errors.New("null response body")}
		}
	}
}

// apply folds one finished call into the run state.
func (r *run) apply(res result) error {
	r.inFlight--
	r.sem.Release(1)
	r.tracker.ObserveCall(res.elapsed)
	t := res.task

	if res.err == nil {
		if err := t.MoveTo(tasks.StateSucceeded); err != nil {
			return err
		}
		if err := r.store.Append(tasks.Succeeded(t, res.body)); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		r.tracker.TaskSucceeded()
		r.log.Debug().Int64("task_id", t.TaskID).Stringer("identifier", t.Identifier).Msg("Task succeeded")
		return nil
	}

	class := remote.ClassOf(res.err)
	r.tracker.CallFailed(class, r.deps.Clock())
	t.RecordError(res.err)

	if remote.Retryable(res.err) && t.CanRetry() {
		if err := t.MoveTo(tasks.StateRetrying); err != nil {
			return err
		}
		r.retry.Push(t)
		r.tracker.TaskRetried()
		r.log.Warn().
			Err(res.err).
			Str("class", string(class)).
			Int64("task_id", t.TaskID).
			Stringer("identifier", t.Identifier).
			Int("attempts_left", t.AttemptsLeft).
			Msg("Task failed, retrying")
		return nil
	}
	return r.abandon(t)
}

// abandon persists the failure outcome of t.
func (r *run) abandon(t *tasks.Task) error {
	if err := t.MoveTo(tasks.StateAbandoned); err != nil {
		return err
	}
	if err := r.store.Append(tasks.Abandoned(t)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	r.tracker.TaskFailed()
	r.log.Error().
		Int64("task_id", t.TaskID).
		Stringer("identifier", t.Identifier).
		Strs("errors", t.Errors).
		Msg("Task abandoned")
	return nil
}

// drain stops admission and waits up to DrainTimeout for in-flight calls.
// Tasks cut off here have no outcome and run again on resume.
func (r *run) drain() error {
	if r.inFlight == 0 {
		return nil
	}
	r.log.Info().Int("in_flight", r.inFlight).Dur("timeout", r.cfg.DrainTimeout).Msg("Cancelled, waiting for in-flight calls")

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()
	for r.inFlight > 0 {
		select {
		case res := <-r.results:
			if err := r.apply(res); err != nil {
				return err
			}
		case <-timer.C:
			r.log.Warn().Int("in_flight", r.inFlight).Msg("Drain timeout, abandoning in-flight calls")
			r.cancelCalls()
			return nil
		}
	}
	return nil
}

func (r *run) sampleCapacity(ctx context.Context) {
	if r.deps.Metrics == nil {
		return
	}
	now := r.deps.Clock()
	if now.Sub(r.lastSample) < capacitySampleInterval {
		return
	}
	r.lastSample = now
	if c, ok := ratelimit.CapacityOf(ctx, r.deps.Ledger); ok {
		r.deps.Metrics.SetCapacity(c.Requests, c.Tokens)
	}
}

func (r *run) close() error {
	close(r.abandonCh)
	r.cancelCalls()
	return errors.Join(r.store.Close(), r.source.Close())
}

func (r *run) summarize() Summary {
	r.tracker.Finish()
	s := Summary{
		Snapshot: r.tracker.Latest(),
		Resume:   r.store.Report(),
		Elapsed:  r.deps.Clock().Sub(r.startedAt),
	}

	ev := r.log.Info()
	if s.Failed > 0 {
		ev = r.log.Warn()
	}
	ev.
		Int("started", s.Started).
		Int("succeeded", s.Succeeded).
		Int("failed", s.Failed).
		Int("already_completed", s.AlreadyCompleted).
		Int("skipped_malformed", s.SkippedMalformed).
		Int("rate_limit_errors", s.RateLimitErrors).
		Int("api_errors", s.APIErrors).
		Int("other_errors", s.OtherErrors).
		Dur("elapsed", s.Elapsed).
		Msg("Batch run finished")
	return s
}
