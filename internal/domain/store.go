package domain

import (
	"context"
	"time"
)

// PositionStore is the durable, crash-consistent record of positions. All
// lifecycle transitions are guarded: an illegal step returns
// ErrInvalidTransition and leaves the stored state untouched. Every write is
// atomic and additionally appended to an immutable transition history, which
// is the system of record for realized PnL reporting.
type PositionStore interface {
	// CreatePending allocates a new position in pending state. Returns
	// ErrDuplicateOpenPosition if a non-terminal position already exists for
	// the same token.
	CreatePending(ctx context.Context, c EntryCandidate) (Position, error)

	// RecordEntryTx / RecordExitTx persist a transaction reference before the
	// corresponding swap is sent, making submission idempotent across crashes.
	RecordEntryTx(ctx context.Context, id, txRef string) error
	RecordExitTx(ctx context.Context, id, txRef string) error

	// MarkOpen transitions pending→open with the confirmed entry fill. The
	// target close time is set to the entry time plus the store's holding
	// duration, exactly.
	MarkOpen(ctx context.Context, id string, fill OpenFill) (Position, error)

	// MarkClosing transitions open→closing. Entered before the exit swap is
	// submitted so a crash mid-exit is recoverable.
	MarkClosing(ctx context.Context, id string) error

	// MarkClosed transitions closing→closed and computes realized PnL as
	// tokenAmount*exitPrice − entryAmount.
	MarkClosed(ctx context.Context, id string, exitPrice float64, exitTime time.Time) (Position, error)

	// MarkFailed transitions any non-terminal state to failed.
	MarkFailed(ctx context.Context, id, reason string) (Position, error)

	// Get returns a position by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Position, error)

	// ListDue returns open positions whose target close time is at or before
	// now, ordered by target close ascending (oldest expiring first).
	ListDue(ctx context.Context, now time.Time) ([]Position, error)

	ListOpen(ctx context.Context) ([]Position, error)
	ListPending(ctx context.Context) ([]Position, error)
	ListClosing(ctx context.Context) ([]Position, error)

	// ListNonTerminal returns every position not yet closed or failed; it is
	// the in-memory equivalent of the active-trades snapshot.
	ListNonTerminal(ctx context.Context) ([]Position, error)
}

// TransitionRecord is one immutable entry of the historical trade log.
type TransitionRecord struct {
	Time       time.Time      `json:"time"`
	PositionID string         `json:"position_id"`
	From       PositionStatus `json:"from"`
	To         PositionStatus `json:"to"`
	// Position is the full post-transition state, so terminal records carry
	// realized PnL for reporting and offline analysis.
	Position Position `json:"position"`
}

// HistoryStore reads the append-only transition log.
type HistoryStore interface {
	// RecentTransitions returns up to limit records, newest first.
	RecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error)

	// TerminalBefore returns records of terminal transitions older than the
	// cutoff, oldest first. Used by the archiver.
	TerminalBefore(ctx context.Context, before time.Time) ([]TransitionRecord, error)
}

// CandidateProvider supplies the candidate pool set for one cycle. It is a
// read-only input refreshed out of band.
type CandidateProvider interface {
	Candidates(ctx context.Context) (MarketSnapshot, error)
}
