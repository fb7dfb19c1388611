package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/guido-cesarano/batchq/pkg/tasks"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLocalAdmissionFairness(t *testing.T) {
	clock := newFakeClock()
	ledger, err := NewLocal(Limits{RequestsPerMinute: 2, TokensPerMinute: 1000}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	ctx := context.Background()
	cost := tasks.NewCost(10)

	for i := 0; i < 2; i++ {
		ok, err := ledger.TryAdmit(ctx, cost)
		if err != nil {
			t.Fatalf("TryAdmit failed: %v", err)
		}
		if !ok {
			t.Fatalf("Expected task %d to be admitted immediately", i)
		}
	}

	// Third task: request bucket is empty although tokens remain
	ok, _ := ledger.TryAdmit(ctx, cost)
	if ok {
		t.Fatal("Expected third task to be held while the request bucket is empty")
	}

	// One request unit refills after 30s at 2 rpm
	clock.Advance(20 * time.Second)
	if ok, _ := ledger.TryAdmit(ctx, cost); ok {
		t.Fatal("Expected third task to be held before a full request unit refilled")
	}
	clock.Advance(11 * time.Second)
	if ok, _ := ledger.TryAdmit(ctx, cost); !ok {
		t.Fatal("Expected third task to be admitted after the request bucket refilled")
	}
}

func TestLocalTokenBucketBlocksIndependently(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := NewLocal(Limits{RequestsPerMinute: 100, TokensPerMinute: 50}, WithClock(clock.Now))
	ctx := context.Background()

	if ok, _ := ledger.TryAdmit(ctx, tasks.NewCost(40)); !ok {
		t.Fatal("Expected first task to be admitted")
	}
	before := ledger.Capacity()

	// Plenty of request units but only 10 token units left
	if ok, _ := ledger.TryAdmit(ctx, tasks.NewCost(20)); ok {
		t.Fatal("Expected token-expensive task to be held")
	}

	after := ledger.Capacity()
	if after != before {
		t.Errorf("Expected failed admission to leave buckets unchanged, before %+v after %+v", before, after)
	}
}

func TestLocalCapacityInvariant(t *testing.T) {
	clock := newFakeClock()
	limits := Limits{RequestsPerMinute: 5, TokensPerMinute: 300}
	ledger, _ := NewLocal(limits, WithClock(clock.Now))
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		if rng.Intn(3) == 0 {
			clock.Advance(time.Duration(rng.Intn(5000)) * time.Millisecond)
		}
		_, _ = ledger.TryAdmit(ctx, tasks.NewCost(rng.Intn(120)))

		c := ledger.Capacity()
		if c.Requests < 0 || c.Requests > float64(limits.RequestsPerMinute) {
			t.Fatalf("step %d: request capacity %f out of [0, %d]", i, c.Requests, limits.RequestsPerMinute)
		}
		if c.Tokens < 0 || c.Tokens > float64(limits.TokensPerMinute) {
			t.Fatalf("step %d: token capacity %f out of [0, %d]", i, c.Tokens, limits.TokensPerMinute)
		}
	}
}

func TestLocalRejectsImpossibleCost(t *testing.T) {
	ledger, _ := NewLocal(Limits{RequestsPerMinute: 10, TokensPerMinute: 100})
	_, err := ledger.TryAdmit(context.Background(), tasks.NewCost(101))
	if !errors.Is(err, ErrCostExceedsCapacity) {
		t.Errorf("Expected ErrCostExceedsCapacity, got %v", err)
	}
}

func TestNewLocalValidatesLimits(t *testing.T) {
	if _, err := NewLocal(Limits{RequestsPerMinute: 0, TokensPerMinute: 10}); err == nil {
		t.Error("Expected zero requests per minute to be rejected")
	}
	if _, err := NewLocal(Limits{RequestsPerMinute: 10, TokensPerMinute: -1}); err == nil {
		t.Error("Expected negative tokens per minute to be rejected")
	}
}
