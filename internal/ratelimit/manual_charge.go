package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rebill/internal/config"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

const keyManualCharge = "charge:manual:%s"

type ManualChargeLimiterParams struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
}

// ManualChargeLimiter throttles operator-triggered charges per subscription so a
// stuck button cannot hammer the issuer.
type ManualChargeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*localLimiter
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewManualChargeLimiter(p ManualChargeLimiterParams) *ManualChargeLimiter {
	perMinute := p.Config.RateLimit.ManualChargePerMinute
	burst := p.Config.RateLimit.ManualChargeBurst
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &ManualChargeLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   float64(perMinute) / 60.0,
		burst:  burst,
		local:  map[string]*localLimiter{},
	}
}

// Allow reports whether one more manual charge may run now. A nil limiter allows all.
func (l *ManualChargeLimiter) Allow(ctx context.Context, subscriptionID string) (*RateLimitResult, error) {
	if l == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyManualCharge, strings.TrimSpace(subscriptionID))
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, l.rate, l.burst)
	}

	limiter := l.get(key)
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return &RateLimitResult{
			Allowed:    false,
			Limit:      l.burst,
			ResetTime:  time.Now().Add(delay),
			RetryAfter: delay,
		}, nil
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: int(limiter.Tokens()),
		ResetTime: time.Now(),
	}, nil
}

func (l *ManualChargeLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, entry := range l.local {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(l.local, k)
		}
	}
	entry, ok := l.local[key]
	if !ok {
		entry = &localLimiter{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst)}
		l.local[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}
