package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyChargeLock = "charge:lock:%s"

type ChargeGuardParams struct {
	fx.In

	Log     *zap.Logger
	Redis   *redis.Client `optional:"true"`
	Dunning *config.DunningConfigHolder
}

// ChargeGuard keeps a single charge attempt in flight per subscription. It uses the
// redis lock when redis is configured and a process-local keyed mutex otherwise.
type ChargeGuard struct {
	log     *zap.Logger
	locker  *Locker
	dunning *config.DunningConfigHolder

	mu    sync.Mutex
	local map[string]struct{}
}

func NewChargeGuard(p ChargeGuardParams) *ChargeGuard {
	guard := &ChargeGuard{
		log:     p.Log.Named("ratelimit.charge_guard"),
		locker:  NewLocker(p.Redis),
		dunning: p.Dunning,
		local:   map[string]struct{}{},
	}
	if guard.locker == nil {
		guard.log.Info("redis not configured, charge guard is process local")
	}
	return guard
}

// Acquire takes the lock for the subscription and returns its release func.
// It returns ErrLockHeld without waiting when another attempt holds it.
func (g *ChargeGuard) Acquire(ctx context.Context, subscriptionID string) (func(), error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, ErrInvalidLockKey
	}
	key := fmt.Sprintf(keyChargeLock, subscriptionID)

	if g.locker == nil {
		return g.acquireLocal(key)
	}

	start := time.Now()
	lease, err := g.locker.Acquire(ctx, key, g.dunning.Get().BillingRun.LockTTL)
	metrics.Scheduler().ObserveLockWait("charge", time.Since(start))
	if err != nil {
		return nil, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			g.log.Warn("release charge lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (g *ChargeGuard) acquireLocal(key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.local[key]; held {
		return nil, ErrLockHeld
	}
	g.local[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.local, key)
			g.mu.Unlock()
		})
	}, nil
}
