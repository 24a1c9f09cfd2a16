package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/redis"
)

var ErrHeld = errors.New("lock is held by another owner")

const DefaultKeyPrefix = "dispatch-lock:"

// Locker hands out exclusive, expiring locks by key. The returned release
// func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker keeps one SET NX key per lock. A lock whose holder died
// expires after ttl; release only deletes the key while it still carries the
// holder's token.
type RedisLocker struct {
	redis  redis.RedisAdapter
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(adapter redis.RedisAdapter, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &RedisLocker{redis: adapter, ttl: ttl, prefix: DefaultKeyPrefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := []byte(uuid.NewString())

	acquired, err := l.redis.SetNX(lockKey, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrHeld
	}
	logger.Debug("lock acquired", "key", lockKey, "ttl", l.ttl)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		ok, err := l.redis.DelIfEquals(lockKey, token)
		if err != nil {
			logger.Warn("failed to release lock", "key", lockKey, "error", err)
			return
		}
		if !ok {
			logger.Warn("lock expired before release", "key", lockKey)
		}
	}, nil
}

// Noop grants every lock; used when Redis is not configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
