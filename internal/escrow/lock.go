package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LocalLocker serializes operations within a single process.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// LockOptions tunes RedisLocker.
type LockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 50 * time.Millisecond,
	}
}

// RedisLocker serializes operations across every process sharing the Redis
// instance, using a redsync mutex.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts LockOptions
	log  *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, opts LockOptions, log *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(rdb)),
		opts: opts,
		log:  log,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	m := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// Release even if ctx was cancelled while fn ran.
		if ok, err := m.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.log.Error("release lock", zap.String("key", key), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()
	return fn(ctx)
}
