package domain

import (
	"context"
	"time"
)

// Event types emitted to the reporter.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventPositionFailed = "position_failed"
	EventTickAborted    = "tick_aborted"
)

// Event is one reporter notification. The core emits exactly one event per
// terminal position transition plus one per tick-level abort; the delivery
// mechanism is the collaborator's concern.
type Event struct {
	Type       string     `json:"type"`
	PositionID string     `json:"position_id,omitempty"`
	Token      string     `json:"token,omitempty"`
	Status     string     `json:"status,omitempty"`
	EntryPrice float64    `json:"entry_price,omitempty"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	PnL        *float64   `json:"pnl,omitempty"`
	EntryTime  time.Time  `json:"entry_time,omitzero"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Time       time.Time  `json:"time"`
}

// PositionEvent builds an Event from a position's current state.
func PositionEvent(eventType string, p Position, now time.Time) Event {
	return Event{
		Type:       eventType,
		PositionID: p.ID,
		Token:      p.Token,
		Status:     string(p.Status),
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice,
		PnL:        p.PnL,
		EntryTime:  p.EntryTime,
		ExitTime:   p.ExitTime,
		Reason:     p.FailReason,
		Time:       now,
	}
}

// Reporter receives state-transition notifications. Delivery failures must
// never block or fail the trade cycle; callers log and move on.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

// LockManager guards the tick against overlapping execution across replicas.
type LockManager interface {
	// Acquire obtains the named lock for at most ttl, returning an unlock
	// function, or ErrLockHeld if another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
