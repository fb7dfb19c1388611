package ratelimit

import (
	"context"
	"time"

	"github.com/guido-cesarano/batchq/pkg/tasks"
	"golang.org/x/time/rate"
)

// Local is a process-local ledger. Each bucket is a rate.Limiter refilling at
// max/60 units per second with a burst of max, so capacity after elapsed seconds is
// min(max, capacity + max*elapsed/60). Both buckets start full.
//
// Local is not safe for concurrent admission: the check on both buckets and the
// debit of both buckets must not interleave with another TryAdmit. The processor
// only calls it from its control goroutine.
type Local struct {
	limits   Limits
	requests *rate.Limiter
	tokens   *rate.Limiter
	now      func() time.Time
}

// LocalOption configures a Local ledger.
type LocalOption func(*Local)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// NewLocal creates a ledger with full buckets.
func NewLocal(limits Limits, opts ...LocalOption) (*Local, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	l := &Local{
		limits:   limits,
		requests: rate.NewLimiter(perMinute(limits.RequestsPerMinute), limits.RequestsPerMinute),
		tokens:   rate.NewLimiter(perMinute(limits.TokensPerMinute), limits.TokensPerMinute),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func perMinute(max int) rate.Limit {
	return rate.Limit(float64(max) / 60.0)
}

// TryAdmit implements Ledger.
func (l *Local) TryAdmit(_ context.Context, cost tasks.Cost) (bool, error) {
	if err := l.limits.CheckCost(cost); err != nil {
		return false, err
	}

	now := l.now()
	if l.requests.TokensAt(now) < float64(cost.RequestUnits) || l.tokens.TokensAt(now) < float64(cost.TokenUnits) {
		return false, nil
	}

	// Both buckets were checked at the same instant, so both debits succeed.
	l.requests.AllowN(now, cost.RequestUnits)
	l.tokens.AllowN(now, cost.TokenUnits)
	return true, nil
}

// Capacity returns the current fill of both buckets.
func (l *Local) Capacity() Capacity {
	now := l.now()
	return Capacity{
		Requests: l.requests.TokensAt(now),
		Tokens:   l.tokens.TokensAt(now),
	}
}

// Limits returns the configured maxima.
func (l *Local) Limits() Limits {
	return l.limits
}
