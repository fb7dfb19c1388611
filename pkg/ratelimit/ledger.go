// Package ratelimit implements the two-dimensional capacity ledger: one token bucket
// for requests per minute and one for tokens per minute.
//
// Admission is both-or-nothing. A task is admitted only when the request bucket holds
// at least one unit AND the token bucket holds at least the task's token units; a failed
// admission has no side effects and the caller simply tries again later.
//
// Two implementations are provided:
//   - Local: process-local buckets built on golang.org/x/time/rate
//   - Redis: buckets shared between processes, refilled and debited in one Lua script
package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/batchq/pkg/tasks"
)

// ErrCostExceedsCapacity is returned for a cost no bucket refill could ever cover.
var ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")

// Ledger decides whether a task may be sent now.
type Ledger interface {
	// TryAdmit refills both buckets and, if both can cover cost, debits them and returns true.
	// It never blocks waiting for capacity.
	TryAdmit(ctx context.Context, cost tasks.Cost) (bool, error)
}

// Limits are the per-minute maxima of the two buckets.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Validate checks that both limits are positive.
func (l Limits) Validate() error {
	if l.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be > 0, got %d", l.RequestsPerMinute)
	}
	if l.TokensPerMinute <= 0 {
		return fmt.Errorf("tokens per minute must be > 0, got %d", l.TokensPerMinute)
	}
	return nil
}

// CheckCost reports ErrCostExceedsCapacity when cost can never be admitted under l.
func (l Limits) CheckCost(cost tasks.Cost) error {
	if cost.RequestUnits > l.RequestsPerMinute {
		return fmt.Errorf("%w: %d request units > %d", ErrCostExceedsCapacity, cost.RequestUnits, l.RequestsPerMinute)
	}
	if cost.TokenUnits > l.TokensPerMinute {
		return fmt.Errorf("%w: %d token units > %d", ErrCostExceedsCapacity, cost.TokenUnits, l.TokensPerMinute)
	}
	return nil
}

// Capacity is a point-in-time view of both buckets.
type Capacity struct {
	Requests float64
	Tokens   float64
}

// CapacityOf reports the current fill of l when the implementation exposes it.
func CapacityOf(ctx context.Context, l Ledger) (Capacity, bool) {
	switch v := l.(type) {
	case *Local:
		return v.Capacity(), true
	case *Redis:
		c, err := v.Capacity(ctx)
		return c, err == nil
	}
	return Capacity{}, false
}
