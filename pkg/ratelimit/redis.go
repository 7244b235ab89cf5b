package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the refill-and-consume step atomically in
// Redis so concurrent engine instances agree on the bucket state.
// KEYS[1] bucket key, ARGV[1] refill rate per second, ARGV[2]
// capacity, ARGV[3] cost, ARGV[4] current unix time in seconds.
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

return allowed
`)

// RedisBucket is a distributed token bucket over one Redis instance.
type RedisBucket struct {
	client *redis.Client
	rps    float64
	burst  int
	prefix string
}

// NewRedisBucket connects a limiter to addr. The prefix keeps one
// Redis database usable by several engines without key collisions.
func NewRedisBucket(addr string, rps float64, burst int) *RedisBucket {
	return &RedisBucket{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rps:    rps,
		burst:  burst,
		prefix: "keiri:limiter:",
	}
}

func (l *RedisBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.prefix + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Ping verifies the Redis connection, for startup probes.
func (l *RedisBucket) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (l *RedisBucket) Close() error { return l.client.Close() }
