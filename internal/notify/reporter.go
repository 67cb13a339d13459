package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dexcycle/internal/domain"
)

// Reporter formats trade lifecycle events and fans them out to every
// configured sender. It implements domain.Reporter; delivery failures are
// aggregated but the caller is expected to log and continue.
type Reporter struct {
	senders []Sender
	events  map[string]bool // allowed event types; empty allows all
	log     *slog.Logger
}

// NewReporter creates a Reporter delivering to senders. events filters by
// event type; an empty list allows everything.
func NewReporter(senders []Sender, events []string, log *slog.Logger) *Reporter {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Reporter{
		senders: senders,
		events:  allowed,
		log:     log.With(slog.String("component", "reporter")),
	}
}

// Report formats and dispatches one event.
func (r *Reporter) Report(ctx context.Context, ev domain.Event) error {
	if len(r.events) > 0 && !r.events[ev.Type] {
		r.log.DebugContext(ctx, "event filtered out", slog.String("type", ev.Type))
		return nil
	}
	if len(r.senders) == 0 {
		return nil
	}

	title, message := format(ev)

	var errs []string
	for _, s := range r.senders {
		if err := s.Send(ctx, title, message); err != nil {
			r.log.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// format renders an event as an operator-readable title and body.
func format(ev domain.Event) (title, message string) {
	var b strings.Builder

	switch ev.Type {
	case domain.EventPositionOpened:
		title = fmt.Sprintf("Opened %s", ev.Token)
		fmt.Fprintf(&b, "Entry %.6f at %s", ev.EntryPrice, ev.EntryTime.Format(time.RFC3339))

	case domain.EventPositionClosed:
		title = fmt.Sprintf("Closed %s", ev.Token)
		fmt.Fprintf(&b, "Entry %.6f", ev.EntryPrice)
		if ev.ExitPrice != nil {
			fmt.Fprintf(&b, ", exit %.6f", *ev.ExitPrice)
		}
		if ev.PnL != nil {
			fmt.Fprintf(&b, "\nPnL %+.4f", *ev.PnL)
		}

	case domain.EventPositionFailed:
		title = fmt.Sprintf("Failed %s", ev.Token)
		b.WriteString(ev.Reason)

	case domain.EventTickAborted:
		title = "Tick aborted"
		b.WriteString(ev.Reason)

	default:
		title = ev.Type
		b.WriteString(ev.Reason)
	}

	if ev.PositionID != "" {
		fmt.Fprintf(&b, "\nposition %s", ev.PositionID)
	}
	return title, b.String()
}

var _ domain.Reporter = (*Reporter)(nil)
