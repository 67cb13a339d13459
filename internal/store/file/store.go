// Package file implements the position store on the local filesystem: an
// active-trades JSON snapshot rewritten atomically on every mutation, plus an
// append-only JSONL transition log that is never rewritten.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dexcycle/internal/domain"
)

const (
	snapshotFile = "active_trades.json"
	logFile      = "trade_log.jsonl"
)

// Store keeps all non-terminal positions in memory, mirrored by the snapshot
// file. Terminal positions leave the snapshot and live on only in the log.
type Store struct {
	mu   sync.Mutex
	dir  string
	hold time.Duration

	positions map[string]domain.Position // non-terminal, keyed by ID
}

// New opens (or creates) a file store rooted at dir. hold is the configured
// holding duration applied when a position opens.
func New(dir string, hold time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create data dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		hold:      hold,
		positions: make(map[string]domain.Position),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) snapshotPath() string { return filepath.Join(s.dir, snapshotFile) }
func (s *Store) logPath() string      { return filepath.Join(s.dir, logFile) }

// load reads the active-trades snapshot, if present.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // first run
		}
		return fmt.Errorf("file: read snapshot: %w", err)
	}

	var snap map[string]domain.Position
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("file: decode snapshot: %w", err)
	}
	for id, p := range snap {
		if p.Status.IsTerminal() {
			continue // defensive: terminal entries do not belong in the snapshot
		}
		s.positions[id] = p
	}
	return nil
}

// persist writes the full replacement snapshot to a temporary file and
// atomically renames it over the previous one, then optionally appends a
// transition record to the log. A failure at any step surfaces as
// ErrPersistence and leaves the in-memory state untouched by the caller.
func (s *Store) persist(next map[string]domain.Position, rec *domain.TransitionRecord) error {
	tmp, err := os.CreateTemp(s.dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("file: create temp snapshot: %w", domain.ErrPersistence)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(next); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: encode snapshot: %v: %w", err, domain.ErrPersistence)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: sync snapshot: %v: %w", err, domain.ErrPersistence)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: close snapshot: %v: %w", err, domain.ErrPersistence)
	}
	if err := os.Rename(tmpName, s.snapshotPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: rename snapshot: %v: %w", err, domain.ErrPersistence)
	}

	if rec != nil {
		if err := s.appendLog(*rec); err != nil {
			return err
		}
	}
	return nil
}

// appendLog writes one JSONL record to the transition log.
func (s *Store) appendLog(rec domain.TransitionRecord) error {
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file: open log: %v: %w", err, domain.ErrPersistence)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file: encode log record: %v: %w", err, domain.ErrPersistence)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("file: append log: %v: %w", err, domain.ErrPersistence)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("file: sync log: %v: %w", err, domain.ErrPersistence)
	}
	return nil
}

// clone copies the live map so persist works on the next state without
// mutating the current one.
func (s *Store) clone() map[string]domain.Position {
	next := make(map[string]domain.Position, len(s.positions)+1)
	for id, p := range s.positions {
		next[id] = p
	}
	return next
}

// CreatePending allocates a new pending position for the candidate.
func (s *Store) CreatePending(_ context.Context, c domain.EntryCandidate) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.positions {
		if p.Token == c.Token {
			return domain.Position{}, fmt.Errorf("file: token %s: %w", c.Token, domain.ErrDuplicateOpenPosition)
		}
	}

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

	next := s.clone()
	next[p.ID] = p
	rec := &domain.TransitionRecord{Time: now, PositionID: p.ID, To: p.Status, Position: p}
	if err := s.persist(next, rec); err != nil {
		return domain.Position{}, err
	}

	s.positions = next
	return p, nil
}

// RecordEntryTx persists the entry transaction reference before submission.
func (s *Store) RecordEntryTx(_ context.Context, id, txRef string) error {
	return s.update(id, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusPending {
			return fmt.Errorf("file: record entry tx on %s position: %w", p.Status, domain.ErrInvalidTransition)
		}
		p.EntryTxRef = txRef
		return nil
	}, "")
}

// RecordExitTx persists the exit transaction reference before submission.
func (s *Store) RecordExitTx(_ context.Context, id, txRef string) error {
	return s.update(id, func(p *domain.Position) error {
		if p.Status != domain.PositionStatusClosing {
			return fmt.Errorf("file: record exit tx on %s position: %w", p.Status, domain.ErrInvalidTransition)
		}
		p.ExitTxRef = txRef
		return nil
	}, "")
}

// MarkOpen transitions pending→open with the confirmed entry fill.
func (s *Store) MarkOpen(_ context.Context, id string, fill domain.OpenFill) (domain.Position, error) {
	return s.transition(id, domain.PositionStatusOpen, func(p *domain.Position) {
		p.EntryPrice = fill.EntryPrice
		p.TokenAmount = fill.TokenAmount
		p.EntryTime = fill.EntryTime.UTC()
		p.TargetClose = p.EntryTime.Add(s.hold)
		if fill.TxRef != "" {
			p.EntryTxRef = fill.TxRef
		}
	})
}

// MarkClosing transitions open→closing ahead of exit submission.
func (s *Store) MarkClosing(_ context.Context, id string) error {
	_, err := s.transition(id, domain.PositionStatusClosing, nil)
	return err
}

// MarkClosed transitions closing→closed and realizes PnL.
func (s *Store) MarkClosed(_ context.Context, id string, exitPrice float64, exitTime time.Time) (domain.Position, error) {
	return s.transition(id, domain.PositionStatusClosed, func(p *domain.Position) {
		t := exitTime.UTC()
		p.ExitTime = &t
		p.ExitPrice = &exitPrice
		pnl := p.TokenAmount*exitPrice - p.EntryAmount
		p.PnL = &pnl
	})
}

// MarkFailed transitions any non-terminal state to failed.
func (s *Store) MarkFailed(_ context.Context, id, reason string) (domain.Position, error) {
	return s.transition(id, domain.PositionStatusFailed, func(p *domain.Position) {
		p.FailReason = reason
	})
}

// transition applies a guarded status change, persisting before the memory
// swap. Terminal positions are removed from the snapshot; their final state is
// recorded in the log.
func (s *Store) transition(id string, to domain.PositionStatus, mutate func(*domain.Position)) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("file: position %s: %w", id, domain.ErrNotFound)
	}
	if !p.Status.CanTransition(to) {
		return domain.Position{}, fmt.Errorf("file: position %s: %s→%s: %w", id, p.Status, to, domain.ErrInvalidTransition)
	}

	from := p.Status
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&p)
	}

	next := s.clone()
	if to.IsTerminal() {
		delete(next, id)
	} else {
		next[id] = p
	}

	rec := &domain.TransitionRecord{Time: p.UpdatedAt, PositionID: id, From: from, To: to, Position: p}
	if err := s.persist(next, rec); err != nil {
		return domain.Position{}, err
	}

	s.positions = next
	return p, nil
}

// update applies a field-level mutation that is not a status transition.
func (s *Store) update(id string, mutate func(*domain.Position) error, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("file: position %s: %w", id, domain.ErrNotFound)
	}
	if err := mutate(&p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	next := s.clone()
	next[id] = p
	if err := s.persist(next, nil); err != nil {
		return err
	}

	s.positions = next
	return nil
}

// Get returns a non-terminal position by ID.
func (s *Store) Get(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("file: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ListDue returns open positions with target close at or before now, oldest
// expiring first.
func (s *Store) ListDue(_ context.Context, now time.Time) ([]domain.Position, error) {
	due := s.listByStatus(domain.PositionStatusOpen)
	filtered := due[:0]
	for _, p := range due {
		if !p.TargetClose.After(now) {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].TargetClose.Equal(filtered[j].TargetClose) {
			return filtered[i].TargetClose.Before(filtered[j].TargetClose)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered, nil
}

// ListOpen returns all open positions.
func (s *Store) ListOpen(context.Context) ([]domain.Position, error) {
	return s.listByStatus(domain.PositionStatusOpen), nil
}

// ListPending returns all pending positions.
func (s *Store) ListPending(context.Context) ([]domain.Position, error) {
	return s.listByStatus(domain.PositionStatusPending), nil
}

// ListClosing returns all closing positions.
func (s *Store) ListClosing(context.Context) ([]domain.Position, error) {
	return s.listByStatus(domain.PositionStatusClosing), nil
}

// ListNonTerminal returns every position still in the snapshot.
func (s *Store) ListNonTerminal(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) listByStatus(status domain.PositionStatus) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Compile-time interface checks.
var (
	_ domain.PositionStore = (*Store)(nil)
	_ domain.HistoryStore  = (*Store)(nil)
)
