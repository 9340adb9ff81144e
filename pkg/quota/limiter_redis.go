package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically inside Redis, so a
// multi-instance deployment shares one consistent bucket per agent.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/sec),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = now (unix seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shapes request bursts with a shared Redis token bucket.
// It complements the durable quota counters: the counter bounds total
// usage per window, the limiter bounds instantaneous rate.
type RedisLimiter struct {
	client   redis.UniversalClient
	rate     float64 // tokens per second
	capacity int64
	clock    func() time.Time
}

// NewRedisLimiter creates a limiter refilling at ratePerSecond up to
// capacity tokens.
func NewRedisLimiter(client redis.UniversalClient, ratePerSecond float64, capacity int64) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		rate:     ratePerSecond,
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

// Allow consumes cost tokens from the agent's bucket, reporting whether
// the request may proceed.
func (l *RedisLimiter) Allow(ctx context.Context, agentID string, cost int64) (bool, error) {
	key := "warden:ratelimit:" + agentID
	now := float64(l.clock().UnixMicro()) / 1e6

	result, err := tokenBucketScript.Run(ctx, l.client,
		[]string{key}, l.rate, l.capacity, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	values, ok := result.([]any)
	if !ok || len(values) < 1 {
		return false, fmt.Errorf("unexpected script result %T", result)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected allowed value %T", values[0])
	}
	return allowed == 1, nil
}
