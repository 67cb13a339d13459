// Package cycle drives the hourly trade lifecycle: reconcile whatever the
// last tick left in flight, close expired positions, then open the best
// candidate entries. Every phase goes through the position store first, so a
// crash at any point is recoverable on the next tick.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

// Ranker scores one market snapshot into an ordered candidate list.
type Ranker interface {
	Rank(snap domain.MarketSnapshot, now time.Time) []domain.Signal
}

// Controller owns one full tick. Positions are processed sequentially: the
// gateway signs from a single wallet, and concurrent submissions would race
// on the account nonce.
type Controller struct {
	store    domain.PositionStore
	gateway  domain.ExecutionGateway
	provider domain.CandidateProvider
	ranker   Ranker
	reporter domain.Reporter
	log      *slog.Logger

	stable   domain.Token
	tokens   map[string]domain.Token // volatile assets by upper-case symbol
	strategy config.StrategyConfig

	now func() time.Time
}

// New creates a Controller. reporter may be nil.
func New(
	store domain.PositionStore,
	gateway domain.ExecutionGateway,
	provider domain.CandidateProvider,
	ranker Ranker,
	reporter domain.Reporter,
	cfg config.Config,
	log *slog.Logger,
) *Controller {
	tokens := make(map[string]domain.Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[strings.ToUpper(t.Symbol)] = domain.Token{
			Symbol:   t.Symbol,
			Address:  t.Address,
			Decimals: t.Decimals,
		}
	}

	return &Controller{
		store:    store,
		gateway:  gateway,
		provider: provider,
		ranker:   ranker,
		reporter: reporter,
		log:      log.With(slog.String("component", "cycle")),
		stable: domain.Token{
			Symbol:   cfg.Stable.Symbol,
			Address:  cfg.Stable.Address,
			Decimals: cfg.Stable.Decimals,
		},
		tokens:   tokens,
		strategy: cfg.Strategy,
		now:      time.Now,
	}
}

// Tick runs one full cycle. Recovery and exits run even when the candidate
// feed is down; entries require fresh data and are skipped otherwise. A
// persistence failure aborts the whole tick: trading against a store that
// cannot record state is worse than missing an hour.
func (c *Controller) Tick(ctx context.Context) error {
	now := c.now().UTC()
	log := c.log.With(slog.Time("tick", now))
	log.InfoContext(ctx, "tick started")

	snap, feedErr := c.provider.Candidates(ctx)
	if feedErr != nil {
		log.WarnContext(ctx, "candidate feed unavailable", slog.String("error", feedErr.Error()))
	}
	prices := latestPrices(snap)

	if err := c.recoverPending(ctx, log); err != nil {
		return c.abortTick(ctx, log, err)
	}
	if err := c.closeExpired(ctx, log, now, prices); err != nil {
		return c.abortTick(ctx, log, err)
	}

	if feedErr != nil {
		c.report(ctx, domain.Event{
			Type:   domain.EventTickAborted,
			Reason: feedErr.Error(),
			Time:   now,
		})
		return fmt.Errorf("cycle: entries skipped: %w", feedErr)
	}

	if err := c.openEntries(ctx, log, snap, now); err != nil {
		return c.abortTick(ctx, log, err)
	}

	log.InfoContext(ctx, "tick finished")
	return nil
}

// abortTick reports and returns a tick-fatal error.
func (c *Controller) abortTick(ctx context.Context, log *slog.Logger, err error) error {
	log.ErrorContext(ctx, "tick aborted", slog.String("error", err.Error()))
	c.report(ctx, domain.Event{
		Type:   domain.EventTickAborted,
		Reason: err.Error(),
		Time:   c.now().UTC(),
	})
	return err
}

// recoverPending resolves positions a previous tick left before the open
// state. A pending position with a transaction reference may have landed; one
// without provably never broadcast.
func (c *Controller) recoverPending(ctx context.Context, log *slog.Logger) error {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("cycle: list pending: %w", err)
	}

	for _, p := range pending {
		plog := log.With(slog.String("position", p.ID), slog.String("token", p.Token))

		if p.EntryTxRef == "" {
			// Crashed before signing: no transaction can exist.
			failed, err := c.store.MarkFailed(ctx, p.ID, "crashed before entry submission")
			if err != nil {
				return fmt.Errorf("cycle: fail stale pending: %w", err)
			}
			plog.WarnContext(ctx, "pending position abandoned before submission")
			c.report(ctx, domain.PositionEvent(domain.EventPositionFailed, failed, c.now().UTC()))
			continue
		}

		req, ok := c.entryRequest(p)
		if !ok {
			plog.ErrorContext(ctx, "position references unknown token, leaving pending")
			continue
		}
		res, err := c.gateway.Reconcile(ctx, req, p.EntryTxRef)
		if err != nil {
			plog.WarnContext(ctx, "entry reconciliation unavailable", slog.String("error", err.Error()))
			continue
		}

		switch res.Outcome {
		case domain.ReconcileConfirmed:
			opened, err := c.store.MarkOpen(ctx, p.ID, domain.OpenFill{
				EntryPrice:  res.ExecutedPrice,
				TokenAmount: res.ExecutedAmount,
				EntryTime:   c.now().UTC(),
				TxRef:       p.EntryTxRef,
			})
			if err != nil {
				return fmt.Errorf("cycle: open reconciled entry: %w", err)
			}
			plog.InfoContext(ctx, "recovered entry confirmed",
				slog.Float64("price", res.ExecutedPrice), slog.Float64("amount", res.ExecutedAmount))
			c.report(ctx, domain.PositionEvent(domain.EventPositionOpened, opened, c.now().UTC()))

		case domain.ReconcileFailed:
			failed, err := c.store.MarkFailed(ctx, p.ID, "entry transaction dead")
			if err != nil {
				return fmt.Errorf("cycle: fail reconciled entry: %w", err)
			}
			plog.WarnContext(ctx, "recovered entry failed")
			c.report(ctx, domain.PositionEvent(domain.EventPositionFailed, failed, c.now().UTC()))

		default:
			// Still undecided: keep waiting, never guess.
			plog.InfoContext(ctx, "entry still unconfirmed")
		}
	}
	return nil
}

// closeExpired exits every due position plus whatever is still stuck in
// closing from earlier ticks.
func (c *Controller) closeExpired(ctx context.Context, log *slog.Logger, now time.Time, prices map[string]float64) error {
	closing, err := c.store.ListClosing(ctx)
	if err != nil {
		return fmt.Errorf("cycle: list closing: %w", err)
	}
	due, err := c.store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("cycle: list due: %w", err)
	}

	for _, p := range append(closing, due...) {
		if err := c.closeOne(ctx, log, p, prices); err != nil {
			return err
		}
	}
	return nil
}

// closeOne drives one position from open/closing to a terminal state. An
// ambiguous exit leaves the position in closing with its reference recorded;
// the next tick reconciles it.
func (c *Controller) closeOne(ctx context.Context, log *slog.Logger, p domain.Position, prices map[string]float64) error {
	plog := log.With(slog.String("position", p.ID), slog.String("token", p.Token))

	if p.Status == domain.PositionStatusOpen {
		if err := c.store.MarkClosing(ctx, p.ID); err != nil {
			return fmt.Errorf("cycle: mark closing: %w", err)
		}
		p.Status = domain.PositionStatusClosing
	}

	// A recorded exit reference must be resolved before anything is resent.
	if p.ExitTxRef != "" {
		req, ok := c.exitRequest(p, prices[p.Token])
		if !ok {
			plog.ErrorContext(ctx, "position references unknown token, leaving closing")
			return nil
		}
		res, err := c.gateway.Reconcile(ctx, req, p.ExitTxRef)
		if err != nil {
			plog.WarnContext(ctx, "exit reconciliation unavailable", slog.String("error", err.Error()))
			return nil
		}
		switch res.Outcome {
		case domain.ReconcileConfirmed:
			return c.finishClose(ctx, plog, p.ID, res.ExecutedPrice)
		case domain.ReconcileUnknown:
			plog.InfoContext(ctx, "exit still unconfirmed")
			return nil
		case domain.ReconcileFailed:
			plog.WarnContext(ctx, "previous exit dead, resubmitting")
		}
	}

	req, ok := c.exitRequest(p, prices[p.Token])
	if !ok {
		plog.ErrorContext(ctx, "position references unknown token, leaving closing")
		return nil
	}
	req.Submitted = func(ctx context.Context, txRef string) error {
		return c.store.RecordExitTx(ctx, p.ID, txRef)
	}

	res, err := c.gateway.Swap(ctx, req)
	var ambiguous *domain.AmbiguousError
	switch {
	case err == nil:
		return c.finishClose(ctx, plog, p.ID, res.ExecutedPrice)

	case errors.As(err, &ambiguous):
		// Reference is durable; the next tick resolves it.
		plog.WarnContext(ctx, "exit outcome ambiguous", slog.String("tx", ambiguous.TxRef))
		return nil

	case errors.Is(err, domain.ErrPersistence):
		return fmt.Errorf("cycle: record exit tx: %w", err)

	default:
		// Definitive failure: stay in closing and retry next tick rather than
		// abandoning tokens that are still held.
		plog.ErrorContext(ctx, "exit swap failed", slog.String("error", err.Error()))
		return nil
	}
}

func (c *Controller) finishClose(ctx context.Context, plog *slog.Logger, id string, exitPrice float64) error {
	closed, err := c.store.MarkClosed(ctx, id, exitPrice, c.now().UTC())
	if err != nil {
		return fmt.Errorf("cycle: mark closed: %w", err)
	}
	pnl := 0.0
	if closed.PnL != nil {
		pnl = *closed.PnL
	}
	plog.InfoContext(ctx, "position closed",
		slog.Float64("exit_price", exitPrice), slog.Float64("pnl", pnl))
	c.report(ctx, domain.PositionEvent(domain.EventPositionClosed, closed, c.now().UTC()))
	return nil
}

// openEntries ranks the snapshot and opens the best buy setups up to the
// configured position cap. Balance is re-read before every entry since each
// buy spends from the same stable pot.
func (c *Controller) openEntries(ctx context.Context, log *slog.Logger, snap domain.MarketSnapshot, now time.Time) error {
	signals := c.ranker.Rank(snap, now)

	live, err := c.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("cycle: list live positions: %w", err)
	}
	capacity := c.strategy.MaxPositions - len(live)
	held := make(map[string]bool, len(live))
	for _, p := range live {
		held[strings.ToUpper(p.Token)] = true
	}

	for _, sig := range signals {
		if capacity <= 0 {
			break
		}
		plog := log.With(slog.String("token", sig.Token), slog.String("pool", sig.PoolID))

		if !sig.Buy {
			plog.DebugContext(ctx, "no entry setup", slog.String("reason", sig.Reason))
			continue
		}
		if held[strings.ToUpper(sig.Token)] {
			plog.DebugContext(ctx, "token already held")
			continue
		}

		balance, err := c.gateway.Balance(ctx, c.stable)
		if err != nil {
			plog.WarnContext(ctx, "stable balance unavailable", slog.String("error", err.Error()))
			continue
		}
		budget := balance * c.strategy.BudgetFraction
		if budget < c.strategy.MinTradeUSD {
			err := fmt.Errorf("cycle: budget %.2f below minimum %.2f: %w",
				budget, c.strategy.MinTradeUSD, domain.ErrInsufficientBalance)
			plog.InfoContext(ctx, "skipping entry", slog.String("error", err.Error()))
			continue
		}

		if err := c.openOne(ctx, plog, sig, budget); err != nil {
			return err
		}
		held[strings.ToUpper(sig.Token)] = true
		capacity--
	}
	return nil
}

// openOne creates a pending position and executes its entry swap.
func (c *Controller) openOne(ctx context.Context, plog *slog.Logger, sig domain.Signal, budget float64) error {
	p, err := c.store.CreatePending(ctx, domain.EntryCandidate{
		Token:  sig.Token,
		Pool:   sig.PoolID,
		Budget: budget,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOpenPosition) {
			plog.DebugContext(ctx, "entry raced an existing position")
			return nil
		}
		return fmt.Errorf("cycle: create pending: %w", err)
	}
	plog.InfoContext(ctx, "entering position",
		slog.String("position", p.ID),
		slog.Float64("budget", budget),
		slog.Float64("price", sig.Price),
		slog.String("reason", sig.Reason))

	token, ok := c.tokens[strings.ToUpper(sig.Token)]
	if !ok {
		_, err := c.store.MarkFailed(ctx, p.ID, "unknown token")
		if err != nil {
			return fmt.Errorf("cycle: fail unknown token: %w", err)
		}
		return nil
	}

	req := domain.SwapRequest{
		FromToken:      c.stable,
		ToToken:        token,
		AmountIn:       budget,
		Buy:            true,
		MaxSlippageBps: c.strategy.EntrySlippageBps,
		ExpectedPrice:  sig.Price,
		Submitted: func(ctx context.Context, txRef string) error {
			return c.store.RecordEntryTx(ctx, p.ID, txRef)
		},
	}

	res, err := c.gateway.Swap(ctx, req)
	var ambiguous *domain.AmbiguousError
	switch {
	case err == nil:
		opened, err := c.store.MarkOpen(ctx, p.ID, domain.OpenFill{
			EntryPrice:  res.ExecutedPrice,
			TokenAmount: res.ExecutedAmount,
			EntryTime:   c.now().UTC(),
			TxRef:       res.TxRef,
		})
		if err != nil {
			return fmt.Errorf("cycle: mark open: %w", err)
		}
		plog.InfoContext(ctx, "position opened",
			slog.Float64("entry_price", res.ExecutedPrice),
			slog.Float64("amount", res.ExecutedAmount),
			slog.Time("target_close", opened.TargetClose))
		c.report(ctx, domain.PositionEvent(domain.EventPositionOpened, opened, c.now().UTC()))
		return nil

	case errors.As(err, &ambiguous):
		// The reference is already durable; recovery resolves it next tick.
		plog.WarnContext(ctx, "entry outcome ambiguous", slog.String("tx", ambiguous.TxRef))
		return nil

	case errors.Is(err, domain.ErrPersistence):
		return fmt.Errorf("cycle: record entry tx: %w", err)

	default:
		failed, ferr := c.store.MarkFailed(ctx, p.ID, err.Error())
		if ferr != nil {
			return fmt.Errorf("cycle: fail entry: %w", ferr)
		}
		plog.ErrorContext(ctx, "entry swap failed", slog.String("error", err.Error()))
		c.report(ctx, domain.PositionEvent(domain.EventPositionFailed, failed, c.now().UTC()))
		return nil
	}
}

// entryRequest rebuilds the original entry swap for reconciliation.
func (c *Controller) entryRequest(p domain.Position) (domain.SwapRequest, bool) {
	token, ok := c.tokens[strings.ToUpper(p.Token)]
	if !ok {
		return domain.SwapRequest{}, false
	}
	return domain.SwapRequest{
		FromToken: c.stable,
		ToToken:   token,
		AmountIn:  p.EntryAmount,
		Buy:       true,
	}, true
}

// exitRequest builds the exit swap selling the position's full holding.
func (c *Controller) exitRequest(p domain.Position, price float64) (domain.SwapRequest, bool) {
	token, ok := c.tokens[strings.ToUpper(p.Token)]
	if !ok {
		return domain.SwapRequest{}, false
	}
	return domain.SwapRequest{
		FromToken:      token,
		ToToken:        c.stable,
		AmountIn:       p.TokenAmount,
		Buy:            false,
		MaxSlippageBps: c.strategy.ExitSlippageBps,
		ExpectedPrice:  price, // zero when the feed is down: exit anyway, floorless
	}, true
}

// report delivers one event; failures are logged, never propagated.
func (c *Controller) report(ctx context.Context, ev domain.Event) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.Report(ctx, ev); err != nil {
		c.log.WarnContext(ctx, "event delivery failed",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// latestPrices maps token symbol to the newest normalized close.
func latestPrices(snap domain.MarketSnapshot) map[string]float64 {
	prices := make(map[string]float64, len(snap.Pools))
	for _, pool := range snap.Pools {
		if last, ok := pool.Last(); ok {
			prices[pool.Token] = last.Close
		}
	}
	return prices
}
