package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
	"dexcycle/internal/store/file"
)

// fakeGateway scripts swap and reconcile outcomes.
type fakeGateway struct {
	balance     float64
	swapFn      func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error)
	reconcileFn func(ctx context.Context, req domain.SwapRequest, txRef string) (domain.ReconcileResult, error)
	swaps       []domain.SwapRequest
	seq         int
}

func (f *fakeGateway) Swap(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
	f.swaps = append(f.swaps, req)
	if f.swapFn != nil {
		return f.swapFn(ctx, req)
	}
	// Default: fill at the reference price after persisting the reference.
	f.seq++
	txRef := fmt.Sprintf("0xtx%d", f.seq)
	if req.Submitted != nil {
		if err := req.Submitted(ctx, txRef); err != nil {
			return domain.ExecutionResult{}, err
		}
	}
	var out float64
	if req.Buy {
		out = req.AmountIn / req.ExpectedPrice
		f.balance -= req.AmountIn
	} else {
		out = req.AmountIn * req.ExpectedPrice
		f.balance += out
	}
	return domain.ExecutionResult{
		ExecutedPrice:  req.ExpectedPrice,
		ExecutedAmount: out,
		TxRef:          txRef,
	}, nil
}

func (f *fakeGateway) Reconcile(ctx context.Context, req domain.SwapRequest, txRef string) (domain.ReconcileResult, error) {
	if f.reconcileFn != nil {
		return f.reconcileFn(ctx, req, txRef)
	}
	return domain.ReconcileResult{Outcome: domain.ReconcileUnknown}, nil
}

func (f *fakeGateway) Balance(context.Context, domain.Token) (float64, error) {
	return f.balance, nil
}

// fakeProvider returns a fixed snapshot or error.
type fakeProvider struct {
	snap domain.MarketSnapshot
	err  error
}

func (f *fakeProvider) Candidates(context.Context) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

// fakeRanker returns preset signals regardless of the snapshot.
type fakeRanker struct {
	signals []domain.Signal
}

func (f *fakeRanker) Rank(domain.MarketSnapshot, time.Time) []domain.Signal {
	return f.signals
}

// recordingReporter collects every event.
type recordingReporter struct {
	events []domain.Event
}

func (r *recordingReporter) Report(_ context.Context, ev domain.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingReporter) ofType(t string) []domain.Event {
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	ctrl     *Controller
	store    *file.Store
	gateway  *fakeGateway
	provider *fakeProvider
	ranker   *fakeRanker
	reporter *recordingReporter
	now      time.Time
}

func buySignal(token, pool string, price float64) domain.Signal {
	return domain.Signal{
		PoolID: pool,
		Token:  token,
		Buy:    true,
		Price:  price,
		Score:  1,
		Reason: "up+RSI+vol",
	}
}

func snapshotWithPrices(prices map[string]float64, at time.Time) domain.MarketSnapshot {
	snap := domain.MarketSnapshot{BlockTime: at}
	for token, price := range prices {
		snap.Pools = append(snap.Pools, domain.PoolSnapshot{
			PoolID: "pool-" + token,
			Token:  token,
			Samples: []domain.PoolSample{
				{Time: at.Add(-time.Hour), Close: price},
			},
		})
	}
	return snap
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := file.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	h := &harness{
		store:    st,
		gateway:  &fakeGateway{balance: 200},
		provider: &fakeProvider{},
		ranker:   &fakeRanker{},
		reporter: &recordingReporter{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.provider.snap = snapshotWithPrices(map[string]float64{"WETH": 2000, "WPOL": 0.4}, h.now)

	cfg := config.Defaults()
	h.ctrl = New(st, h.gateway, h.provider, h.ranker, h.reporter, cfg, slog.New(slog.DiscardHandler))
	h.ctrl.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.provider.snap = snapshotWithPrices(map[string]float64{"WETH": 2000, "WPOL": 0.4}, h.now)
}

func TestTick_OpensOnBuySignal(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	open, err := h.store.ListOpen(context.Background())
	if err != nil || len(open) != 1 {
		t.Fatalf("open positions = %d (%v), want 1", len(open), err)
	}
	p := open[0]
	// Half of the 200 stable balance.
	if p.EntryAmount != 100 {
		t.Errorf("EntryAmount = %v, want 100", p.EntryAmount)
	}
	if p.EntryPrice != 2000 || p.TokenAmount != 0.05 {
		t.Errorf("fill = price %v amount %v", p.EntryPrice, p.TokenAmount)
	}
	if p.EntryTxRef == "" {
		t.Error("entry tx reference not recorded")
	}
	if !p.TargetClose.Equal(h.now.Add(time.Hour)) {
		t.Errorf("TargetClose = %v", p.TargetClose)
	}
	if got := h.reporter.ofType(domain.EventPositionOpened); len(got) != 1 {
		t.Errorf("opened events = %d, want 1", len(got))
	}
}

func TestTick_ClosesExpiredWithPnL(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	// Price moved up 10% by the next tick.
	h.advance(time.Hour + time.Minute)
	h.provider.snap = snapshotWithPrices(map[string]float64{"WETH": 2200}, h.now)
	h.ranker.signals = nil

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("exit tick: %v", err)
	}

	closedEvents := h.reporter.ofType(domain.EventPositionClosed)
	if len(closedEvents) != 1 {
		t.Fatalf("closed events = %d, want 1", len(closedEvents))
	}
	if closedEvents[0].PnL == nil {
		t.Fatal("closed event missing PnL")
	}
	// Bought 0.05 WETH for 100, sold at 2200: 0.05*2200 - 100 = 10.
	if got := *closedEvents[0].PnL; got < 9.99 || got > 10.01 {
		t.Errorf("PnL = %v, want 10", got)
	}

	live, _ := h.store.ListNonTerminal(context.Background())
	if len(live) != 0 {
		t.Errorf("live positions after close = %d, want 0", len(live))
	}
}

func TestTick_RespectsPositionCapAndHeldTokens(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{
		buySignal("WETH", "pool-WETH", 2000),
		buySignal("WETH", "pool-WETH", 2000), // same token again
		buySignal("WPOL", "pool-WPOL", 0.4),
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	open, _ := h.store.ListOpen(context.Background())
	if len(open) != 2 {
		t.Fatalf("open positions = %d, want 2 (cap)", len(open))
	}
	tokens := map[string]bool{}
	for _, p := range open {
		tokens[p.Token] = true
	}
	if !tokens["WETH"] || !tokens["WPOL"] {
		t.Errorf("opened tokens = %v", tokens)
	}
}

func TestTick_SkipsEntryBelowMinimumBudget(t *testing.T) {
	h := newHarness(t)
	h.gateway.balance = 1.5 // half of it is under MinTradeUSD (1.0)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	live, _ := h.store.ListNonTerminal(context.Background())
	if len(live) != 0 {
		t.Errorf("positions created despite tiny budget: %d", len(live))
	}
	if len(h.gateway.swaps) != 0 {
		t.Errorf("swap submitted despite tiny budget")
	}
}

func TestTick_FeedDownSkipsEntriesButStillExits(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	h.advance(2 * time.Hour)
	h.provider.err = fmt.Errorf("subgraph 502: %w", domain.ErrDataUnavailable)
	h.provider.snap = domain.MarketSnapshot{}

	err := h.ctrl.Tick(context.Background())
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}

	// The expired position still exited, with no price floor.
	if len(h.reporter.ofType(domain.EventPositionClosed)) != 1 {
		t.Error("due position not closed while feed was down")
	}
	if len(h.reporter.ofType(domain.EventTickAborted)) != 1 {
		t.Error("tick abort not reported")
	}
	lastSwap := h.gateway.swaps[len(h.gateway.swaps)-1]
	if lastSwap.Buy {
		t.Error("entry executed while feed was down")
	}
}

func TestTick_AmbiguousEntryThenConfirmed(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}

	h.gateway.swapFn = func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
		if err := req.Submitted(ctx, "0xhung"); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{}, &domain.AmbiguousError{TxRef: "0xhung"}
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("ambiguous tick: %v", err)
	}

	pending, _ := h.store.ListPending(context.Background())
	if len(pending) != 1 || pending[0].EntryTxRef != "0xhung" {
		t.Fatalf("pending = %+v, want one with 0xhung", pending)
	}

	// Next tick: reconciliation confirms the entry.
	h.advance(time.Hour)
	h.ranker.signals = nil
	h.gateway.swapFn = nil
	h.gateway.reconcileFn = func(_ context.Context, req domain.SwapRequest, txRef string) (domain.ReconcileResult, error) {
		if txRef != "0xhung" {
			t.Errorf("reconciling %s, want 0xhung", txRef)
		}
		if !req.Buy || req.AmountIn != 100 {
			t.Errorf("rebuilt request wrong: %+v", req)
		}
		return domain.ReconcileResult{
			Outcome:        domain.ReconcileConfirmed,
			ExecutedPrice:  2010,
			ExecutedAmount: 100 / 2010.0,
		}, nil
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}

	open, _ := h.store.ListOpen(context.Background())
	if len(open) != 1 {
		t.Fatalf("open after recovery = %d, want 1", len(open))
	}
	if open[0].EntryPrice != 2010 {
		t.Errorf("recovered entry price = %v, want 2010", open[0].EntryPrice)
	}
	if len(h.reporter.ofType(domain.EventPositionOpened)) != 1 {
		t.Error("opened event missing after recovery")
	}
}

func TestTick_AmbiguousEntryThenDead(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	h.gateway.swapFn = func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
		if err := req.Submitted(ctx, "0xdead"); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{}, &domain.AmbiguousError{TxRef: "0xdead"}
	}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("ambiguous tick: %v", err)
	}

	h.advance(time.Hour)
	h.ranker.signals = nil
	h.gateway.swapFn = nil
	h.gateway.reconcileFn = func(context.Context, domain.SwapRequest, string) (domain.ReconcileResult, error) {
		return domain.ReconcileResult{Outcome: domain.ReconcileFailed}, nil
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}

	live, _ := h.store.ListNonTerminal(context.Background())
	if len(live) != 0 {
		t.Errorf("live after dead entry = %d, want 0", len(live))
	}
	if len(h.reporter.ofType(domain.EventPositionFailed)) != 1 {
		t.Error("failed event missing")
	}
}

func TestTick_PendingWithoutRefFailsOnRecovery(t *testing.T) {
	h := newHarness(t)
	// Simulate a crash between CreatePending and signing.
	if _, err := h.store.CreatePending(context.Background(), domain.EntryCandidate{
		Token: "WETH", Pool: "pool-WETH", Budget: 100,
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	live, _ := h.store.ListNonTerminal(context.Background())
	if len(live) != 0 {
		t.Errorf("unsubmitted pending survived recovery: %d", len(live))
	}
	failed := h.reporter.ofType(domain.EventPositionFailed)
	if len(failed) != 1 {
		t.Fatalf("failed events = %d, want 1", len(failed))
	}
}

func TestTick_AmbiguousExitThenConfirmed(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	h.advance(time.Hour + time.Minute)
	h.ranker.signals = nil
	h.gateway.swapFn = func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
		if err := req.Submitted(ctx, "0xexit"); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{}, &domain.AmbiguousError{TxRef: "0xexit"}
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("ambiguous exit tick: %v", err)
	}
	closing, _ := h.store.ListClosing(context.Background())
	if len(closing) != 1 || closing[0].ExitTxRef != "0xexit" {
		t.Fatalf("closing = %+v, want one with 0xexit", closing)
	}

	// Next tick resolves the exit.
	h.advance(time.Hour)
	h.gateway.swapFn = nil
	h.gateway.reconcileFn = func(_ context.Context, req domain.SwapRequest, txRef string) (domain.ReconcileResult, error) {
		if txRef != "0xexit" {
			t.Errorf("reconciling %s, want 0xexit", txRef)
		}
		return domain.ReconcileResult{
			Outcome:        domain.ReconcileConfirmed,
			ExecutedPrice:  2100,
			ExecutedAmount: 0.05 * 2100,
		}, nil
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}

	closed := h.reporter.ofType(domain.EventPositionClosed)
	if len(closed) != 1 {
		t.Fatalf("closed events = %d, want 1", len(closed))
	}
	// 0.05 * 2100 - 100 = 5.
	if closed[0].PnL == nil || *closed[0].PnL < 4.99 || *closed[0].PnL > 5.01 {
		t.Errorf("PnL = %v, want 5", closed[0].PnL)
	}
}

func TestTick_DefinitiveEntryFailure(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	h.gateway.swapFn = func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
		if err := req.Submitted(ctx, "0xrejected"); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{}, fmt.Errorf("reverted: %w", domain.ErrExecutionFailed)
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	live, _ := h.store.ListNonTerminal(context.Background())
	if len(live) != 0 {
		t.Errorf("failed entry left live position")
	}
	if len(h.reporter.ofType(domain.EventPositionFailed)) != 1 {
		t.Error("failed event missing")
	}
}

func TestTick_ExitFailureKeepsPositionClosing(t *testing.T) {
	h := newHarness(t)
	h.ranker.signals = []domain.Signal{buySignal("WETH", "pool-WETH", 2000)}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}

	h.advance(2 * time.Hour)
	h.ranker.signals = nil
	h.gateway.swapFn = func(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, fmt.Errorf("slippage: %w", domain.ErrExecutionFailed)
	}

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("exit tick: %v", err)
	}

	// Tokens are still held, so the position must not be abandoned.
	closing, _ := h.store.ListClosing(context.Background())
	if len(closing) != 1 {
		t.Fatalf("closing = %d, want 1 (failed exit must be retried)", len(closing))
	}
	if len(h.reporter.ofType(domain.EventPositionFailed)) != 0 {
		t.Error("failed exit must not mark the position failed")
	}
}
