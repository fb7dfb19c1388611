package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/guido-cesarano/batchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// admitScript refills and debits both buckets atomically.
//
// KEYS[1]: bucket hash (fields requests, tokens, last_refill)
// ARGV[1]: max requests per minute
// ARGV[2]: max tokens per minute
// ARGV[3]: current time (fractional unix seconds)
// ARGV[4]: request units to consume
// ARGV[5]: token units to consume
// ARGV[6]: key TTL in seconds (0 keeps the key forever)
//
// Returns {allowed, requests, tokens}; capacities are strings since Lua numbers
// would be truncated to integers on the way out.
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local max_tokens = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local req_cost = tonumber(ARGV[4])
	local tok_cost = tonumber(ARGV[5])
	local ttl = tonumber(ARGV[6])

	local state = redis.call('HMGET', key, 'requests', 'tokens', 'last_refill')
	local requests = tonumber(state[1])
	local tokens = tonumber(state[2])
	local last_refill = tonumber(state[3])

	if not requests or not tokens or not last_refill then
		requests = max_requests
		tokens = max_tokens
		last_refill = now
	end

	-- Refill proportionally to elapsed time, capped at the maximum
	local elapsed = math.max(0, now - last_refill)
	requests = math.min(max_requests, requests + max_requests * elapsed / 60)
	tokens = math.min(max_tokens, tokens + max_tokens * elapsed / 60)
	if now > last_refill then
		last_refill = now
	end

	local allowed = 0
	if requests >= req_cost and tokens >= tok_cost then
		requests = requests - req_cost
		tokens = tokens - tok_cost
		allowed = 1
	end

	redis.call('HSET', key, 'requests', tostring(requests), 'tokens', tostring(tokens), 'last_refill', tostring(last_refill))
	if ttl > 0 then
		redis.call('EXPIRE', key, ttl)
	end

	return {allowed, tostring(requests), tostring(tokens)}
`)

// Redis is a ledger whose buckets live in a Redis hash, so several processors
// sharing one API credential also share one budget.
type Redis struct {
	rdb    redis.UniversalClient
	key    string
	limits Limits
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithKeyTTL expires the bucket hash after d of inactivity.
func WithKeyTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithRedisClock replaces time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis creates a shared ledger stored under key.
func NewRedis(rdb redis.UniversalClient, key string, limits Limits, opts ...RedisOption) (*Redis, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("redis ledger key is required")
	}
	r := &Redis{
		rdb:    rdb,
		key:    key,
		limits: limits,
		ttl:    10 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// TryAdmit implements Ledger.
func (r *Redis) TryAdmit(ctx context.Context, cost tasks.Cost) (bool, error) {
	if err := r.limits.CheckCost(cost); err != nil {
		return false, err
	}

	res, err := admitScript.Run(ctx, r.rdb,
		[]string{r.key},
		r.limits.RequestsPerMinute,
		r.limits.TokensPerMinute,
		unixSeconds(r.now()),
		cost.RequestUnits,
		cost.TokenUnits,
		int64(r.ttl/time.Second),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("ledger script: %w", err)
	}
	if len(res) != 3 {
		return false, fmt.Errorf("ledger script: unexpected reply %v", res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, fmt.Errorf("ledger script: unexpected allowed flag %v", res[0])
	}
	return allowed == 1, nil
}

// Capacity reads the shared buckets and applies the refill that would happen now.
// Missing state means both buckets are full.
func (r *Redis) Capacity(ctx context.Context) (Capacity, error) {
	vals, err := r.rdb.HMGet(ctx, r.key, "requests", "tokens", "last_refill").Result()
	if err != nil {
		return Capacity{}, err
	}
	full := Capacity{Requests: float64(r.limits.RequestsPerMinute), Tokens: float64(r.limits.TokensPerMinute)}

	requests, ok1 := parseFloat(vals[0])
	tokens, ok2 := parseFloat(vals[1])
	last, ok3 := parseFloat(vals[2])
	if !ok1 || !ok2 || !ok3 {
		return full, nil
	}

	elapsed := math.Max(0, unixSeconds(r.now())-last)
	return Capacity{
		Requests: math.Min(full.Requests, requests+full.Requests*elapsed/60),
		Tokens:   math.Min(full.Tokens, tokens+full.Tokens*elapsed/60),
	}, nil
}

// Reset deletes the shared bucket state, refilling both buckets.
func (r *Redis) Reset(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func parseFloat(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
