// Package ratelimit throttles job creation per user with a token bucket kept
// in Redis, so every API replica draws from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket holds capacity tokens per key and refills them continuously.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket returns a limiter allowing bursts of capacity requests and
// refillPerSecond sustained requests per second. Idle buckets expire once
// they would be full again.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	ttl := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "ratelimit:jobs:",
		now:      time.Now,
	}
}

// Take consumes one token for key when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take token: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("take token: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokensRaw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensRaw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("take token: parse tokens %q: %w", tokensRaw, err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		secs := (1 - tokens) / b.refill
		d.RetryAfter = time.Duration(math.Ceil(secs*1000)) * time.Millisecond
	}
	return d, nil
}

// Tokens are returned as a string because Redis truncates Lua numbers to
// integers.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)
