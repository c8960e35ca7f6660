package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

const (
	lockPrefix  = "metering:lock:"
	lockTTL     = 10 * time.Second
	lockBackoff = 50 * time.Millisecond
)

// Locker serialises operations on one key across replicas.
type Locker struct {
	locker *redislock.Client
	logger *zap.Logger
}

// NewLocker wraps a redislock client.
func NewLocker(locker *redislock.Client, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{locker: locker, logger: logger}
}

// Lock blocks until key is held or ctx is done. Without a deadline on ctx it gives up
// after the lock TTL.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lockTTL)
		defer cancel()
	}

	lock, err := l.locker.Obtain(ctx, lockPrefix+key, lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockBackoff),
	})
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			l.logger.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
