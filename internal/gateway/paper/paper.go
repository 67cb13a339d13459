// Package paper provides a dry-run execution gateway. Swaps fill instantly at
// the caller's reference price against virtual balances, so the full trade
// lifecycle can run without a wallet key.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dexcycle/internal/domain"
)

// Gateway implements domain.ExecutionGateway with virtual balances.
type Gateway struct {
	log *slog.Logger

	mu       sync.Mutex
	balances map[string]float64
	fills    map[string]domain.ExecutionResult
}

// New creates a paper gateway seeded with the given stable balance.
func New(stable domain.Token, stableBalance float64, log *slog.Logger) *Gateway {
	return &Gateway{
		log: log.With(slog.String("component", "paper_gateway")),
		balances: map[string]float64{
			strings.ToUpper(stable.Symbol): stableBalance,
		},
		fills: make(map[string]domain.ExecutionResult),
	}
}

// Swap fills the request at its reference price. The Submitted hook runs
// before the fill is recorded, mirroring the live gateway's ordering.
func (g *Gateway) Swap(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
	if req.ExpectedPrice <= 0 {
		return domain.ExecutionResult{}, fmt.Errorf("paper: no reference price for %s: %w",
			req.ToToken.Symbol, domain.ErrExecutionFailed)
	}

	txRef := "paper-" + uuid.NewString()
	if req.Submitted != nil {
		if err := req.Submitted(ctx, txRef); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("paper: persist tx ref: %w", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	from := strings.ToUpper(req.FromToken.Symbol)
	to := strings.ToUpper(req.ToToken.Symbol)
	if g.balances[from] < req.AmountIn {
		return domain.ExecutionResult{}, fmt.Errorf("paper: %s balance %.6f below %.6f: %w",
			from, g.balances[from], req.AmountIn, domain.ErrExecutionFailed)
	}

	var amountOut float64
	if req.Buy {
		amountOut = req.AmountIn / req.ExpectedPrice
	} else {
		amountOut = req.AmountIn * req.ExpectedPrice
	}

	g.balances[from] -= req.AmountIn
	g.balances[to] += amountOut

	res := domain.ExecutionResult{
		ExecutedPrice:  req.ExpectedPrice,
		ExecutedAmount: amountOut,
		TxRef:          txRef,
	}
	g.fills[txRef] = res

	g.log.InfoContext(ctx, "paper fill",
		slog.String("tx", txRef),
		slog.String("from", from),
		slog.String("to", to),
		slog.Float64("amount_in", req.AmountIn),
		slog.Float64("amount_out", amountOut),
		slog.Float64("price", req.ExpectedPrice),
	)
	return res, nil
}

// Reconcile resolves a synthetic reference: recorded fills confirm, anything
// else is definitively dead.
func (g *Gateway) Reconcile(_ context.Context, _ domain.SwapRequest, txRef string) (domain.ReconcileResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if fill, ok := g.fills[txRef]; ok {
		return domain.ReconcileResult{
			Outcome:        domain.ReconcileConfirmed,
			ExecutedPrice:  fill.ExecutedPrice,
			ExecutedAmount: fill.ExecutedAmount,
		}, nil
	}
	return domain.ReconcileResult{Outcome: domain.ReconcileFailed}, nil
}

// Balance returns the virtual balance of the token.
func (g *Gateway) Balance(_ context.Context, token domain.Token) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[strings.ToUpper(token.Symbol)], nil
}

var _ domain.ExecutionGateway = (*Gateway)(nil)
