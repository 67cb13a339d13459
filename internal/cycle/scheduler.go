package cycle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"dexcycle/internal/domain"
)

// tickLockKey names the cross-replica tick lock.
const tickLockKey = "dexcycle:tick"

// Ticker is the scheduler's view of the controller.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Scheduler runs ticks on a fixed cadence. Two guards prevent overlap: an
// in-process flag for a slow tick outrunning the interval, and an optional
// distributed lock for multiple replicas sharing a store.
type Scheduler struct {
	controller Ticker
	locks      domain.LockManager // may be nil
	log        *slog.Logger

	interval time.Duration
	lockTTL  time.Duration

	running atomic.Bool
}

// NewScheduler creates a Scheduler. locks may be nil for single-instance
// deployments.
func NewScheduler(controller Ticker, locks domain.LockManager, interval, lockTTL time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		controller: controller,
		locks:      locks,
		log:        log.With(slog.String("component", "scheduler")),
		interval:   interval,
		lockTTL:    lockTTL,
	}
}

// Run ticks immediately and then on every interval until the context is
// cancelled. Tick errors are logged, never fatal to the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	defer s.log.InfoContext(ctx, "scheduler stopped")

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce executes a single guarded tick.
func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.WarnContext(ctx, "previous tick still running, skipping")
		return
	}
	defer s.running.Store(false)

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, tickLockKey, s.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.log.InfoContext(ctx, "tick lock held elsewhere, skipping")
			} else {
				s.log.WarnContext(ctx, "tick lock unavailable, skipping", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}

	if err := s.controller.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.ErrorContext(ctx, "tick failed", slog.String("error", err.Error()))
	}
}
