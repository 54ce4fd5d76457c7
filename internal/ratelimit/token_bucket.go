package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript refills and takes one token atomically. Token counts cross the
// script boundary in thousandths so every reply element is an integer.
const bucketScript = `
local per_ms = tonumber(ARGV[1]) / 1000
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) * per_ms)
end

local granted = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {granted, math.floor(tokens * 1000), now}
`

var (
	ErrLimiterNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket        = errors.New("invalid_rate_limit_bucket")
)

// TokenBucket is a redis-backed bucket shared by every process that charges.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(bucketScript)}
}

// Allow takes one token from the bucket at key. perSecond is the refill rate.
func (t *TokenBucket) Allow(ctx context.Context, key string, perSecond float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	if t == nil {
		return denied, ErrLimiterNotConfigured
	}
	if key == "" || perSecond <= 0 || burst <= 0 {
		return denied, ErrInvalidBucket
	}

	reply, err := t.script.Run(ctx, t.client, []string{key}, perSecond, burst, bucketTTL(perSecond, burst).Milliseconds()).Int64Slice()
	if err != nil {
		return denied, err
	}
	if len(reply) != 3 {
		return denied, errors.New("unexpected token bucket reply")
	}

	remaining := float64(reply[1]) / 1000
	res := &RateLimitResult{
		Allowed:   reply[0] == 1,
		Limit:     burst,
		Remaining: int(remaining),
		ResetTime: time.UnixMilli(reply[2]),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration((1 - remaining) / perSecond * float64(time.Second))
		res.ResetTime = res.ResetTime.Add(res.RetryAfter)
	}
	return res, nil
}

// bucketTTL keeps idle buckets around for two full refills.
func bucketTTL(perSecond float64, burst int) time.Duration {
	seconds := math.Max(1, math.Ceil(2*float64(burst)/perSecond))
	return time.Duration(seconds) * time.Second
}
