package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dexcycle/internal/domain"
)

// PositionStore implements domain.PositionStore and domain.HistoryStore using
// PostgreSQL. Transitions run inside a transaction: the status-guarded UPDATE
// and the history insert commit together or not at all.
type PositionStore struct {
	client *Client
	hold   time.Duration
}

// NewPositionStore creates a PositionStore. hold is the configured holding
// duration applied when a position opens.
func NewPositionStore(client *Client, hold time.Duration) *PositionStore {
	return &PositionStore{client: client, hold: hold}
}

const positionCols = `id, token, pool, status, entry_amount, entry_price, token_amount,
	entry_time, target_close, exit_time, exit_price, pnl,
	fail_reason, entry_tx_ref, exit_tx_ref, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var entryPrice, tokenAmount *float64
	var entryTime, targetClose *time.Time

	err := row.Scan(
		&p.ID, &p.Token, &p.Pool, &status, &p.EntryAmount, &entryPrice, &tokenAmount,
		&entryTime, &targetClose, &p.ExitTime, &p.ExitPrice, &p.PnL,
		&p.FailReason, &p.EntryTxRef, &p.ExitTxRef, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if entryPrice != nil {
		p.EntryPrice = *entryPrice
	}
	if tokenAmount != nil {
		p.TokenAmount = *tokenAmount
	}
	if entryTime != nil {
		p.EntryTime = *entryTime
	}
	if targetClose != nil {
		p.TargetClose = *targetClose
	}
	return p, nil
}

// appendEvent inserts one transition record inside the caller's transaction.
func appendEvent(ctx context.Context, tx pgx.Tx, at time.Time, from, to domain.PositionStatus, p domain.Position) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: encode position snapshot: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO position_events (time, position_id, from_status, to_status, snapshot)
		 VALUES ($1, $2, $3, $4, $5)`,
		at, p.ID, string(from), string(to), snapshot,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event: %v: %w", err, domain.ErrPersistence)
	}
	return nil
}

// CreatePending allocates a new pending position for the candidate. The
// partial unique index on live tokens turns a race into a clean
// ErrDuplicateOpenPosition.
func (s *PositionStore) CreatePending(ctx context.Context, c domain.EntryCandidate) (domain.Position, error) {
	now := time.Now().UTC()
	p := domain.Position{
		ID:          uuid.NewString(),
		Token:       c.Token,
		Pool:        c.Pool,
		Status:      domain.PositionStatusPending,
		EntryAmount: c.Budget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin tx: %v: %w", err, domain.ErrPersistence)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, token, pool, status, entry_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Token, p.Pool, string(p.Status), p.EntryAmount, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.Position{}, fmt.Errorf("postgres: token %s: %w", c.Token, domain.ErrDuplicateOpenPosition)
		}
		return domain.Position{}, fmt.Errorf("postgres: create pending: %v: %w", err, domain.ErrPersistence)
	}

	if err := appendEvent(ctx, tx, now, "", p.Status, p); err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit: %v: %w", err, domain.ErrPersistence)
	}
	return p, nil
}

// RecordEntryTx persists the entry transaction reference before submission.
func (s *PositionStore) RecordEntryTx(ctx context.Context, id, txRef string) error {
	return s.recordTx(ctx, id, txRef, "entry_tx_ref", domain.PositionStatusPending)
}

// RecordExitTx persists the exit transaction reference before submission.
func (s *PositionStore) RecordExitTx(ctx context.Context, id, txRef string) error {
	return s.recordTx(ctx, id, txRef, "exit_tx_ref", domain.PositionStatusClosing)
}

func (s *PositionStore) recordTx(ctx context.Context, id, txRef, column string, want domain.PositionStatus) error {
	query := fmt.Sprintf(
		`UPDATE positions SET %s = $2, updated_at = NOW() WHERE id = $1 AND status = $3`, column)
	tag, err := s.client.pool.Exec(ctx, query, id, txRef, string(want))
	if err != nil {
		return fmt.Errorf("postgres: record %s: %v: %w", column, err, domain.ErrPersistence)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, want)
	}
	return nil
}

// MarkOpen transitions pending→open with the confirmed entry fill.
func (s *PositionStore) MarkOpen(ctx context.Context, id string, fill domain.OpenFill) (domain.Position, error) {
	entryTime := fill.EntryTime.UTC()
	targetClose := entryTime.Add(s.hold)

	return s.transition(ctx, id, domain.PositionStatusPending, domain.PositionStatusOpen,
		`UPDATE positions SET status = $2, entry_price = $3, token_amount = $4,
			entry_time = $5, target_close = $6,
			entry_tx_ref = CASE WHEN $7 = '' THEN entry_tx_ref ELSE $7 END,
			updated_at = NOW()
		 WHERE id = $1 AND status = $8
		 RETURNING `+positionCols,
		[]any{id, string(domain.PositionStatusOpen), fill.EntryPrice, fill.TokenAmount,
			entryTime, targetClose, fill.TxRef, string(domain.PositionStatusPending)},
	)
}

// MarkClosing transitions open→closing ahead of exit submission.
func (s *PositionStore) MarkClosing(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, domain.PositionStatusOpen, domain.PositionStatusClosing,
		`UPDATE positions SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+positionCols,
		[]any{id, string(domain.PositionStatusClosing), string(domain.PositionStatusOpen)},
	)
	return err
}

// MarkClosed transitions closing→closed and realizes PnL.
func (s *PositionStore) MarkClosed(ctx context.Context, id string, exitPrice float64, exitTime time.Time) (domain.Position, error) {
	return s.transition(ctx, id, domain.PositionStatusClosing, domain.PositionStatusClosed,
		`UPDATE positions SET status = $2, exit_price = $3, exit_time = $4,
			pnl = token_amount * $3 - entry_amount, updated_at = NOW()
		 WHERE id = $1 AND status = $5
		 RETURNING `+positionCols,
		[]any{id, string(domain.PositionStatusClosed), exitPrice, exitTime.UTC(),
			string(domain.PositionStatusClosing)},
	)
}

// MarkFailed transitions any non-terminal state to failed.
func (s *PositionStore) MarkFailed(ctx context.Context, id, reason string) (domain.Position, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin tx: %v: %w", err, domain.ErrPersistence)
	}
	defer tx.Rollback(ctx)

	var from string
	if err := tx.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		if isNotFoundError(err) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: lock position: %v: %w", err, domain.ErrPersistence)
	}
	if !domain.PositionStatus(from).CanTransition(domain.PositionStatusFailed) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %s→failed: %w",
			id, from, domain.ErrInvalidTransition)
	}

	row := tx.QueryRow(ctx,
		`UPDATE positions SET status = $2, fail_reason = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+positionCols,
		id, string(domain.PositionStatusFailed), reason,
	)
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: mark failed: %v: %w", err, domain.ErrPersistence)
	}

	if err := appendEvent(ctx, tx, p.UpdatedAt, domain.PositionStatus(from), p.Status, p); err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit: %v: %w", err, domain.ErrPersistence)
	}
	return p, nil
}

// transition runs a status-guarded UPDATE plus its history insert in one
// transaction. A zero-row update is diagnosed into ErrNotFound or
// ErrInvalidTransition.
func (s *PositionStore) transition(ctx context.Context, id string, from, to domain.PositionStatus, query string, args []any) (domain.Position, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin tx: %v: %w", err, domain.ErrPersistence)
	}
	defer tx.Rollback(ctx)

	p, err := scanPosition(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return domain.Position{}, s.explainMiss(ctx, id, from)
		}
		return domain.Position{}, fmt.Errorf("postgres: transition to %s: %v: %w", to, err, domain.ErrPersistence)
	}

	if err := appendEvent(ctx, tx, p.UpdatedAt, from, to, p); err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit: %v: %w", err, domain.ErrPersistence)
	}
	return p, nil
}

// explainMiss distinguishes a missing position from an illegal transition.
func (s *PositionStore) explainMiss(ctx context.Context, id string, want domain.PositionStatus) error {
	var status string
	err := s.client.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: inspect position: %v: %w", err, domain.ErrPersistence)
	}
	return fmt.Errorf("postgres: position %s is %s, want %s: %w", id, status, want, domain.ErrInvalidTransition)
}

// Get returns a position by ID, or ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	row := s.client.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

// ListDue returns open positions due at or before now, oldest expiring first.
func (s *PositionStore) ListDue(ctx context.Context, now time.Time) ([]domain.Position, error) {
	return s.list(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = 'open' AND target_close <= $1
		 ORDER BY target_close ASC, id ASC`, now.UTC())
}

// ListOpen returns all open positions.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.listByStatus(ctx, domain.PositionStatusOpen)
}

// ListPending returns all pending positions.
func (s *PositionStore) ListPending(ctx context.Context) ([]domain.Position, error) {
	return s.listByStatus(ctx, domain.PositionStatusPending)
}

// ListClosing returns all closing positions.
func (s *PositionStore) ListClosing(ctx context.Context) ([]domain.Position, error) {
	return s.listByStatus(ctx, domain.PositionStatusClosing)
}

// ListNonTerminal returns every position not yet closed or failed.
func (s *PositionStore) ListNonTerminal(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status IN ('pending', 'open', 'closing')
		 ORDER BY created_at ASC`)
}

func (s *PositionStore) listByStatus(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	return s.list(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
}

func (s *PositionStore) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentTransitions returns up to limit history records, newest first.
func (s *PositionStore) RecentTransitions(ctx context.Context, limit int) ([]domain.TransitionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.client.pool.Query(ctx,
		`SELECT time, position_id, from_status, to_status, snapshot
		 FROM position_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TerminalBefore returns terminal history records older than the cutoff,
// oldest first.
func (s *PositionStore) TerminalBefore(ctx context.Context, before time.Time) ([]domain.TransitionRecord, error) {
	rows, err := s.client.pool.Query(ctx,
		`SELECT time, position_id, from_status, to_status, snapshot
		 FROM position_events
		 WHERE to_status IN ('closed', 'failed') AND time < $1
		 ORDER BY id ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]domain.TransitionRecord, error) {
	var out []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to string
		var snapshot []byte
		if err := rows.Scan(&rec.Time, &rec.PositionID, &from, &to, &snapshot); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		rec.From = domain.PositionStatus(from)
		rec.To = domain.PositionStatus(to)
		if err := json.Unmarshal(snapshot, &rec.Position); err != nil {
			return nil, fmt.Errorf("postgres: decode event snapshot: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Compile-time interface checks.
var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.HistoryStore  = (*PositionStore)(nil)
)
