package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// RedisOptions tunes distributed lock acquisition.
type RedisOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
	Prefix     string
}

// DefaultRedisOptions returns settings suited to ledger and compliance sections,
// which complete well within a few seconds.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     30 * time.Second,
		Tries:      64,
		RetryDelay: 50 * time.Millisecond,
		Prefix:     "lock:",
	}
}

// Redis is a distributed Locker backed by redsync.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *slog.Logger
}

// NewRedis creates a distributed Locker using the given go-redis client.
func NewRedis(client *goredislib.Client, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client is nil")
	}
	if opts.Expiry <= 0 || opts.Tries <= 0 {
		return nil, fmt.Errorf("lock: invalid options: expiry=%s tries=%d", opts.Expiry, opts.Tries)
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger.With("component", "redis_lock"),
	}, nil
}

// WithLock implements Locker.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	name := r.opts.Prefix + key
	mutex := r.rs.NewMutex(name,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	defer func() {
		// Use a fresh context so a cancelled caller still releases the lock.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			r.logger.Error("failed to release lock", "key", name, "unlock_ok", ok, "error", err)
		}
	}()

	return fn(ctx)
}
