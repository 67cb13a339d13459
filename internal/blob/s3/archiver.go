package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dexcycle/internal/domain"
)

// Archiver uploads terminal transition records as monthly JSONL objects.
// Records are never deleted from the primary store here; pruning is a
// separate, explicit operation once an archive has been verified.
type Archiver struct {
	client  *Client
	history domain.HistoryStore
	log     *slog.Logger
}

// NewArchiver creates an Archiver reading from history.
func NewArchiver(client *Client, history domain.HistoryStore, log *slog.Logger) *Archiver {
	return &Archiver{
		client:  client,
		history: history,
		log:     log.With(slog.String("component", "archiver")),
	}
}

// Archive uploads all terminal records older than the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) Archive(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.history.TerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(before)
	_, err = a.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: put object %s: %w", path, err)
	}

	a.log.InfoContext(ctx, "archived trade records",
		slog.String("path", path),
		slog.Int("count", len(records)),
		slog.Time("before", before),
	)
	return int64(len(records)), nil
}

// Run archives on the given interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Archive(ctx, time.Now().UTC()); err != nil {
				a.log.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath partitions archives by the cutoff's year and month:
// archive/trades/2025-06.jsonl.
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/trades/%s.jsonl", before.Format("2006-01"))
}

// marshalJSONL renders records as newline-delimited JSON.
func marshalJSONL(records []domain.TransitionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
