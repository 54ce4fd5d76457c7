package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

var (
	ErrLockHeld          = errors.New("lock_held")
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLockKey    = errors.New("invalid_lock_key")
	ErrInvalidLockTTL    = errors.New("invalid_lock_ttl")
)

// Locker hands out expiring leases on redis keys.
type Locker struct {
	client *redis.Client
}

// Lease is a held lock. Its token lets Release tell this holder apart from one
// that took the key after the lease expired.
type Lease struct {
	Key   string
	Token string

	locker *Locker
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Acquire returns ErrLockHeld immediately when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	switch {
	case l == nil:
		return nil, ErrLockNotConfigured
	case key == "":
		return nil, ErrInvalidLockKey
	case ttl <= 0:
		return nil, ErrInvalidLockTTL
	}

	lease := &Lease{Key: key, Token: uuid.NewString(), locker: l}
	taken, err := l.client.SetNX(ctx, key, lease.Token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !taken {
		return nil, ErrLockHeld
	}
	return lease, nil
}

func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	return releaseScript.Run(ctx, le.locker.client, []string{le.Key}, le.Token).Err()
}
