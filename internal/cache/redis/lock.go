package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes the TTL only if the caller still owns the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL. A held
// lock is refreshed every ttl/3 until released.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire obtains the lock for key or returns domain.ErrLockHeld. The unlock
// function stops the refresher and releases the lock; it is safe to call more
// than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key("lock", key)
	rdb := lm.c.Underlying()

	ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.keepAlive(lk, token, ttl, stop)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

func (lm *LockManager) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := lm.extendSc.Run(ctx, lm.c.Underlying(), []string{lk}, token, ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				lm.logger.Warn("lock refresh failed", slog.String("key", lk), slog.String("error", err.Error()))
			case n == 0:
				lm.logger.Error("lock lost to another holder", slog.String("key", lk))
				return
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
