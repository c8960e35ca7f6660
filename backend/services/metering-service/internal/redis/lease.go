package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"

	"prepaidmeter/backend/services/metering-service/internal/service"
)

const leasePrefix = "metering:lease:"

// LeaseProvider hands out per-account metering leases so only one replica runs the
// loop of an account.
type LeaseProvider struct {
	locker *redislock.Client
	ttl    time.Duration
}

// NewLeaseProvider returns leases that expire after ttl unless refreshed. ttl should
// span several tick intervals.
func NewLeaseProvider(locker *redislock.Client, ttl time.Duration) *LeaseProvider {
	return &LeaseProvider{locker: locker, ttl: ttl}
}

// Acquire obtains the lease for accountID without waiting.
func (p *LeaseProvider) Acquire(ctx context.Context, accountID string) (service.Lease, error) {
	lock, err := p.locker.Obtain(ctx, leasePrefix+accountID, p.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, service.ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("redis: obtain lease: %w", err)
	}
	return &lease{lock: lock, ttl: p.ttl}, nil
}

type lease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *lease) Refresh(ctx context.Context) error {
	if err := l.lock.Refresh(ctx, l.ttl, nil); err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return service.ErrLeaseHeld
		}
		return err
	}
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
