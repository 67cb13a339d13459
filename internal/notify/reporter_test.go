package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"dexcycle/internal/domain"
)

type memSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (m *memSender) Send(_ context.Context, title, message string) error {
	if m.err != nil {
		return m.err
	}
	m.titles = append(m.titles, title)
	m.bodies = append(m.bodies, message)
	return nil
}

func (m *memSender) Name() string { return m.name }

func closedEvent() domain.Event {
	exit := 2.2
	pnl := 10.0
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	exitTime := now
	return domain.Event{
		Type:       domain.EventPositionClosed,
		PositionID: "pos-1",
		Token:      "WETH",
		EntryPrice: 2.0,
		ExitPrice:  &exit,
		ExitTime:   &exitTime,
		PnL:        &pnl,
		Time:       now,
	}
}

func TestReport_FansOutToAllSenders(t *testing.T) {
	a := &memSender{name: "telegram"}
	b := &memSender{name: "discord"}
	r := NewReporter([]Sender{a, b}, nil, slog.New(slog.DiscardHandler))

	if err := r.Report(context.Background(), closedEvent()); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if len(a.titles) != 1 || len(b.titles) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(a.titles), len(b.titles))
	}
	if a.titles[0] != "Closed WETH" {
		t.Errorf("title = %q", a.titles[0])
	}
	if !strings.Contains(a.bodies[0], "PnL +10.0000") {
		t.Errorf("body missing PnL: %q", a.bodies[0])
	}
	if !strings.Contains(a.bodies[0], "pos-1") {
		t.Errorf("body missing position id: %q", a.bodies[0])
	}
}

func TestReport_FiltersByEventType(t *testing.T) {
	s := &memSender{name: "telegram"}
	r := NewReporter([]Sender{s}, []string{domain.EventPositionFailed}, slog.New(slog.DiscardHandler))

	if err := r.Report(context.Background(), closedEvent()); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if len(s.titles) != 0 {
		t.Errorf("filtered event delivered: %v", s.titles)
	}

	err := r.Report(context.Background(), domain.Event{
		Type: domain.EventPositionFailed, Token: "WPOL", Reason: "entry transaction dead",
	})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if len(s.titles) != 1 || s.titles[0] != "Failed WPOL" {
		t.Errorf("titles = %v", s.titles)
	}
}

func TestReport_PartialSenderFailure(t *testing.T) {
	bad := &memSender{name: "discord", err: errors.New("webhook gone")}
	good := &memSender{name: "telegram"}
	r := NewReporter([]Sender{bad, good}, nil, slog.New(slog.DiscardHandler))

	err := r.Report(context.Background(), closedEvent())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "discord") {
		t.Errorf("error missing failing sender: %v", err)
	}
	// The healthy sender still got the event.
	if len(good.titles) != 1 {
		t.Errorf("healthy sender deliveries = %d, want 1", len(good.titles))
	}
}
