package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"dexcycle/internal/domain"
)

// readLog scans the full transition log. Corrupt lines are skipped rather
// than failing the read: the log is append-only, so a torn final line from a
// crash must not poison history queries.
func (s *Store) readLog() ([]domain.TransitionRecord, error) {
	f, err := os.Open(s.logPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file: open log: %w", err)
	}
	defer f.Close()

	var records []domain.TransitionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.TransitionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("file: scan log: %w", err)
	}
	return records, nil
}

// RecentTransitions returns up to limit log records, newest first.
func (s *Store) RecentTransitions(_ context.Context, limit int) ([]domain.TransitionRecord, error) {
	records, err := s.readLog()
	if err != nil {
		return nil, err
	}

	// Reverse chronological.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// TerminalBefore returns terminal transition records older than the cutoff,
// oldest first.
func (s *Store) TerminalBefore(_ context.Context, before time.Time) ([]domain.TransitionRecord, error) {
	records, err := s.readLog()
	if err != nil {
		return nil, err
	}

	var out []domain.TransitionRecord
	for _, rec := range records {
		if rec.To.IsTerminal() && rec.Time.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}
