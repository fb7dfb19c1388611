// Package status tracks the progress of a batch run.
//
// A Tracker is owned by the dispatcher goroutine and is not safe for concurrent
// use. Other goroutines, such as the HTTP /status handler, read the last
// Snapshot the owner published with Publish.
package status

import (
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/batchq/pkg/remote"
)

// Tracker holds the counters of one run.
type Tracker struct {
	Started          int
	InProgress       int
	Succeeded        int
	Failed           int
	AlreadyCompleted int
	SkippedMalformed int
	Retried          int

	RateLimitErrors int
	APIErrors       int
	OtherErrors     int

	// LastRateLimitError is when the most recent rate limit error came back.
	LastRateLimitError time.Time

	runID     string
	startedAt time.Time
	metrics   *Metrics
	published atomic.Pointer[Snapshot]
}

// NewTracker creates a tracker for runID started at startedAt. metrics may be nil.
func NewTracker(runID string, startedAt time.Time, metrics *Metrics) *Tracker {
	t := &Tracker{
		runID:     runID,
		startedAt: startedAt,
		metrics:   metrics,
	}
	t.Publish()
	return t
}

// TaskStarted counts a new task entering the run.
func (t *Tracker) TaskStarted() {
	t.Started++
	t.InProgress++
	t.metrics.task("started")
	t.metrics.setInProgress(t.InProgress)
}

// TaskSucceeded counts a task whose success outcome was persisted.
func (t *Tracker) TaskSucceeded() {
	t.Succeeded++
	t.InProgress--
	t.metrics.task("succeeded")
	t.metrics.setInProgress(t.InProgress)
}

// TaskFailed counts a task abandoned with a failure outcome.
func (t *Tracker) TaskFailed() {
	t.Failed++
	t.InProgress--
	t.metrics.task("failed")
	t.metrics.setInProgress(t.InProgress)
}

// TaskRetried counts a failed attempt that was put back on the retry queue.
func (t *Tracker) TaskRetried() {
	t.Retried++
	t.metrics.task("retried")
}

// TaskAlreadyCompleted counts a source line skipped because a previous run finished it.
func (t *Tracker) TaskAlreadyCompleted() {
	t.AlreadyCompleted++
	t.metrics.task("already_completed")
}

// LineMalformed counts a source line that could not be turned into a task.
func (t *Tracker) LineMalformed() {
	t.SkippedMalformed++
	t.metrics.task("skipped_malformed")
}

// CallFailed counts a failed attempt by class. Fatal errors are reported
// by the remote service, so they count as API errors.
func (t *Tracker) CallFailed(class remote.Class, now time.Time) {
	switch class {
	case remote.ClassRateLimit:
		t.RateLimitErrors++
		t.LastRateLimitError = now
	case remote.ClassAPI, remote.ClassFatal:
		t.APIErrors++
	default:
		t.OtherErrors++
	}
	t.metrics.failure(class)
}

// ObserveCall records the duration of one remote call.
func (t *Tracker) ObserveCall(d time.Duration) {
	t.metrics.observeCall(d)
}

// InCooldown reports whether now is within window of the last rate limit error.
func (t *Tracker) InCooldown(now time.Time, window time.Duration) bool {
	if t.LastRateLimitError.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(t.LastRateLimitError) < window
}

// CooldownRemaining returns how long admission stays paused, zero when it is not.
func (t *Tracker) CooldownRemaining(now time.Time, window time.Duration) time.Duration {
	if !t.InCooldown(now, window) {
		return 0
	}
	return window - now.Sub(t.LastRateLimitError)
}

// Done reports whether no task is in progress.
func (t *Tracker) Done() bool {
	return t.InProgress == 0
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RunID              string    `json:"run_id"`
	StartedAt          time.Time `json:"started_at"`
	Started            int       `json:"started"`
	InProgress         int       `json:"in_progress"`
	Succeeded          int       `json:"succeeded"`
	Failed             int       `json:"failed"`
	AlreadyCompleted   int       `json:"already_completed"`
	SkippedMalformed   int       `json:"skipped_malformed"`
	Retried            int       `json:"retried"`
	RateLimitErrors    int       `json:"rate_limit_errors"`
	APIErrors          int       `json:"api_errors"`
	OtherErrors        int       `json:"other_errors"`
	LastRateLimitError time.Time `json:"last_rate_limit_error,omitzero"`
	Finished           bool      `json:"finished"`
}

// Snapshot copies the live counters.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		RunID:              t.runID,
		StartedAt:          t.startedAt,
		Started:            t.Started,
		InProgress:         t.InProgress,
		Succeeded:          t.Succeeded,
		Failed:             t.Failed,
		AlreadyCompleted:   t.AlreadyCompleted,
		SkippedMalformed:   t.SkippedMalformed,
		Retried:            t.Retried,
		RateLimitErrors:    t.RateLimitErrors,
		APIErrors:          t.APIErrors,
		OtherErrors:        t.OtherErrors,
		LastRateLimitError: t.LastRateLimitError,
	}
}

// Publish makes the current counters visible to Latest.
func (t *Tracker) Publish() {
	s := t.Snapshot()
	t.published.Store(&s)
}

// Finish publishes the final counters marked as finished.
func (t *Tracker) Finish() {
	s := t.Snapshot()
	s.Finished = true
	t.published.Store(&s)
}

// Latest returns the last published snapshot. It is safe for concurrent use.
func (t *Tracker) Latest() Snapshot {
	if s := t.published.Load(); s != nil {
		return *s
	}
	return Snapshot{RunID: t.runID}
}
