package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/metrics"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

// DefaultPollInterval is the tick period when none is configured.
const DefaultPollInterval = 8 * time.Second

// errStopMonitoring ends a loop whose account is gone or disabled.
var errStopMonitoring = errors.New("metering: account no longer billable")

// MonitorStore persists the set of monitored accounts so a restarted process can
// resume them.
type MonitorStore interface {
	Save(ctx context.Context, accountID string) error
	Delete(ctx context.Context, accountID string) error
	List(ctx context.Context) ([]string, error)
}

// Lease is an exclusive claim on metering one account.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// LeaseProvider hands out leases. Acquire returns ErrLeaseHeld when another holder has
// the account.
type LeaseProvider interface {
	Acquire(ctx context.Context, accountID string) (Lease, error)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMonitorStore persists the monitored set.
func WithMonitorStore(ms MonitorStore) SchedulerOption {
	return func(s *Scheduler) { s.monitors = ms }
}

// WithLeaseProvider guards every loop with a lease.
func WithLeaseProvider(lp LeaseProvider) SchedulerOption {
	return func(s *Scheduler) { s.leases = lp }
}

// Scheduler runs one independent metering loop per monitored account.
type Scheduler struct {
	accounts repository.AccountStore
	engine   *Engine
	interval time.Duration
	monitors MonitorStore
	leases   LeaseProvider
	logger   *zap.Logger

	base     context.Context
	stopBase context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// NewScheduler builds a scheduler ticking every interval.
func NewScheduler(accounts repository.AccountStore, engine *Engine, interval time.Duration, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		accounts: accounts,
		engine:   engine,
		interval: interval,
		logger:   logger,
		base:     base,
		stopBase: stop,
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins monitoring accountID. Starting an account that is already monitored is a
// no-op and reports false. The loop outlives ctx; only Stop or Shutdown end it.
//
// The account is reserved before the lease and monitor store are contacted, and those
// calls run without holding the registry lock.
func (s *Scheduler) Start(ctx context.Context, accountID string) (bool, error) {
	t, loopCtx, err := s.reserve(accountID)
	if err != nil || t == nil {
		return false, err
	}

	var lease Lease
	if s.leases != nil {
		lease, err = s.leases.Acquire(ctx, accountID)
		if err != nil {
			s.forget(accountID, t)
			s.abandon(ctx, accountID, t, nil, false)
			return false, err
		}
	}
	if s.monitors != nil {
		if err := s.monitors.Save(ctx, accountID); err != nil {
			s.logger.Warn("persist monitored account", zap.String("account_id", accountID), zap.Error(err))
		}
	}

	s.mu.Lock()
	current, claimed := s.tasks[accountID]
	live := current == t && loopCtx.Err() == nil
	if live {
		metrics.ActiveMonitors.Inc()
		go s.run(loopCtx, accountID, t, lease)
	}
	s.mu.Unlock()

	if !live {
		// Stopped or shut down while the lease was being taken.
		s.abandon(ctx, accountID, t, lease, !claimed && s.base.Err() == nil)
		return false, nil
	}
	s.logger.Info("metering started", zap.String("account_id", accountID), zap.Duration("interval", s.interval))
	return true, nil
}

// reserve registers a pending task for accountID. It returns a nil task when the account
// is already monitored or being started.
func (s *Scheduler) reserve(accountID string) (*task, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return nil, nil, errors.New("metering: scheduler is shut down")
	}
	if _, running := s.tasks[accountID]; running {
		return nil, nil, nil
	}
	loopCtx, cancel := context.WithCancel(s.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[accountID] = t
	s.wg.Add(1)
	return t, loopCtx, nil
}

// abandon ends a reserved task whose loop never started. The saved monitor entry is
// removed only when forgetMonitor is set.
func (s *Scheduler) abandon(ctx context.Context, accountID string, t *task, lease Lease, forgetMonitor bool) {
	defer s.wg.Done()
	defer close(t.done)
	t.cancel()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if lease != nil {
		if err := lease.Release(cleanupCtx); err != nil {
			s.logger.Warn("release monitor lease", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	if forgetMonitor && s.monitors != nil {
		if err := s.monitors.Delete(cleanupCtx, accountID); err != nil {
			s.logger.Warn("forget monitored account", zap.String("account_id", accountID), zap.Error(err))
		}
	}
}

// Stop ends monitoring of accountID and waits for its loop to exit. It reports whether
// a loop was running.
func (s *Scheduler) Stop(ctx context.Context, accountID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[accountID]
	if ok {
		delete(s.tasks, accountID)
	}
	s.mu.Unlock()

	if s.monitors != nil {
		if err := s.monitors.Delete(ctx, accountID); err != nil {
			s.logger.Warn("forget monitored account", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	if !ok {
		return false
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
	}
	s.logger.Info("metering stopped", zap.String("account_id", accountID))
	return true
}

// Running reports whether accountID has an active loop.
func (s *Scheduler) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[accountID]
	return ok
}

// Active lists monitored accounts in sorted order.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Resume starts every account recorded in the monitor store and returns how many loops
// this process now runs for them.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	if s.monitors == nil {
		return 0, nil
	}
	ids, err := s.monitors.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: list monitors: %w", err)
	}
	resumed := 0
	for _, id := range ids {
		started, err := s.Start(ctx, id)
		switch {
		case errors.Is(err, ErrLeaseHeld):
			s.logger.Info("account metered by another replica", zap.String("account_id", id))
		case err != nil:
			s.logger.Warn("resume metering", zap.String("account_id", id), zap.Error(err))
		case started:
			resumed++
		}
	}
	return resumed, nil
}

// Shutdown stops every loop without forgetting the monitored set, so a restart resumes
// them. It waits until all loops exit or ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopBase()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one tick for accountID with a fresh account snapshot.
func (s *Scheduler) Tick(ctx context.Context, accountID string) (TickResult, error) {
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TickResult{AccountID: accountID}, errStopMonitoring
		}
		return TickResult{AccountID: accountID}, err
	}
	if acc.Disabled {
		return TickResult{AccountID: accountID}, errStopMonitoring
	}
	return s.engine.ProcessMeter(ctx, acc, s.interval)
}

func (s *Scheduler) run(ctx context.Context, accountID string, t *task, lease Lease) {
	defer s.wg.Done()
	defer close(t.done)
	defer metrics.ActiveMonitors.Dec()
	if lease != nil {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				s.logger.Warn("release monitor lease", zap.String("account_id", accountID), zap.Error(err))
			}
		}()
	}

	log := s.logger.With(zap.String("account_id", accountID))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if lease != nil {
			if err := lease.Refresh(ctx); err != nil {
				if ctx.Err() == nil {
					log.Warn("monitor lease lost, stopping loop", zap.Error(err))
					s.forget(accountID, t)
				}
				return
			}
		}

		result, err := s.Tick(ctx, accountID)
		switch {
		case errors.Is(err, errStopMonitoring):
			log.Info("account no longer billable, stopping loop")
			s.forget(accountID, t)
			if s.monitors != nil {
				if err := s.monitors.Delete(context.WithoutCancel(ctx), accountID); err != nil {
					log.Warn("forget monitored account", zap.Error(err))
				}
			}
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			metrics.Ticks.WithLabelValues("error").Inc()
			log.Warn("metering tick failed", zap.Error(err))
		case result.ShutOff:
			metrics.Ticks.WithLabelValues("shutoff").Inc()
		default:
			metrics.Ticks.WithLabelValues("ok").Inc()
		}

		timer.Reset(s.interval)
	}
}

// forget removes t from the registry if it is still the registered task.
func (s *Scheduler) forget(accountID string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tasks[accountID]; ok && current == t {
		delete(s.tasks, accountID)
	}
}
