package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newGuard(client *redis.Client) *ChargeGuard {
	return NewChargeGuard(ChargeGuardParams{
		Log:     zap.NewNop(),
		Redis:   client,
		Dunning: config.NewStaticDunningConfigHolder(config.DefaultDunningConfig()),
	})
}

func TestLeaseReleaseRequiresOwnerToken(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	stale := &Lease{Key: "k", Token: "someone-else", locker: locker}
	require.NoError(t, stale.Release(ctx))
	require.True(t, mr.Exists("k"))

	require.NoError(t, lease.Release(ctx))
	require.False(t, mr.Exists("k"))
}

func TestLockerValidatesInput(t *testing.T) {
	_, client := newRedis(t)
	locker := NewLocker(client)

	_, err := locker.Acquire(context.Background(), "", time.Minute)
	require.ErrorIs(t, err, ErrInvalidLockKey)
	_, err = locker.Acquire(context.Background(), "k", 0)
	require.ErrorIs(t, err, ErrInvalidLockTTL)

	var missing *Locker
	_, err = missing.Acquire(context.Background(), "k", time.Minute)
	require.ErrorIs(t, err, ErrLockNotConfigured)
}

func TestChargeGuardRedis(t *testing.T) {
	mr, client := newRedis(t)
	guard := newGuard(client)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "42")
	require.NoError(t, err)
	require.True(t, mr.Exists("charge:lock:42"))

	_, err = guard.Acquire(ctx, "42")
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := guard.Acquire(ctx, "43")
	require.NoError(t, err)
	other()

	release()
	require.False(t, mr.Exists("charge:lock:42"))

	again, err := guard.Acquire(ctx, "42")
	require.NoError(t, err)
	again()
}

func TestChargeGuardLockExpires(t *testing.T) {
	mr, client := newRedis(t)
	guard := newGuard(client)

	_, err := guard.Acquire(context.Background(), "7")
	require.NoError(t, err)

	mr.FastForward(3 * time.Minute)

	release, err := guard.Acquire(context.Background(), "7")
	require.NoError(t, err)
	release()
}

func TestChargeGuardLocalFallback(t *testing.T) {
	guard := newGuard(nil)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "42")
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "42")
	require.ErrorIs(t, err, ErrLockHeld)

	release()
	release()

	again, err := guard.Acquire(ctx, "42")
	require.NoError(t, err)
	again()

	_, err = guard.Acquire(ctx, " ")
	require.ErrorIs(t, err, ErrInvalidLockKey)
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.01, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
	}
	res, err := bucket.Allow(ctx, "bucket", 0.01, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestManualChargeLimiterLocal(t *testing.T) {
	limiter := NewManualChargeLimiter(ManualChargeLimiterParams{
		Config: config.Config{RateLimit: config.RateLimitConfig{ManualChargePerMinute: 1, ManualChargeBurst: 1}},
	})
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "42")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "42")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	res, err = limiter.Allow(ctx, "43")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestManualChargeLimiterDisabled(t *testing.T) {
	limiter := NewManualChargeLimiter(ManualChargeLimiterParams{Config: config.Config{}})
	require.Nil(t, limiter)

	res, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
