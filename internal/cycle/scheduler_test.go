package cycle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"dexcycle/internal/domain"
)

type countingTicker struct {
	count atomic.Int32
	block chan struct{} // when non-nil, Tick waits on it
}

func (c *countingTicker) Tick(ctx context.Context) error {
	c.count.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return nil
}

type fakeLocks struct {
	held bool
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func TestScheduler_TicksImmediatelyAndOnInterval(t *testing.T) {
	ticker := &countingTicker{}
	s := NewScheduler(ticker, nil, 20*time.Millisecond, 10*time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for ticker.count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", ticker.count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestScheduler_SkipsWhileTickRunning(t *testing.T) {
	ticker := &countingTicker{block: make(chan struct{})}
	s := NewScheduler(ticker, nil, 10*time.Millisecond, 5*time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let several intervals elapse while the first tick is stuck.
	time.Sleep(60 * time.Millisecond)
	if got := ticker.count.Load(); got != 1 {
		t.Errorf("ticks while blocked = %d, want 1", got)
	}
	close(ticker.block)
	cancel()
	<-done
}

func TestScheduler_SkipsWhenLockHeldElsewhere(t *testing.T) {
	ticker := &countingTicker{}
	locks := &fakeLocks{held: true}
	s := NewScheduler(ticker, locks, 10*time.Millisecond, 5*time.Millisecond, slog.New(slog.DiscardHandler))

	s.runOnce(context.Background())
	if got := ticker.count.Load(); got != 0 {
		t.Errorf("ticked %d times with lock held elsewhere, want 0", got)
	}

	locks.held = false
	s.runOnce(context.Background())
	if got := ticker.count.Load(); got != 1 {
		t.Errorf("ticked %d times with lock free, want 1", got)
	}
}
