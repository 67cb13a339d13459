package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dexcycle/internal/domain"
)

// SignalRanker scores a market snapshot. Satisfied by the scorer the trade
// cycle uses, so the endpoint shows exactly what the next tick would see.
type SignalRanker interface {
	Rank(snap domain.MarketSnapshot, now time.Time) []domain.Signal
}

// SignalHandler serves the current scored candidate set.
type SignalHandler struct {
	provider domain.CandidateProvider
	ranker   SignalRanker
	logger   *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(provider domain.CandidateProvider, ranker SignalRanker, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		provider: provider,
		ranker:   ranker,
		logger:   logger.With(slog.String("handler", "signals")),
	}
}

type signalView struct {
	PoolID   string  `json:"pool_id"`
	Token    string  `json:"token"`
	Score    float64 `json:"score"`
	Momentum float64 `json:"momentum"`
	Volume   float64 `json:"volume"`
	RSI      float64 `json:"rsi"`
	Price    float64 `json:"price"`
	Buy      bool    `json:"buy"`
	Reason   string  `json:"reason,omitempty"`
}

type listSignalsResponse struct {
	Signals    []signalView `json:"signals"`
	ComputedAt time.Time    `json:"computed_at"`
}

// ListSignals fetches a fresh snapshot, ranks it, and returns the scores.
// GET /api/signals
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := h.provider.Candidates(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrDataUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "market data unavailable")
			return
		}
		h.logger.ErrorContext(ctx, "snapshot fetch failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch market snapshot")
		return
	}

	now := time.Now().UTC()
	ranked := h.ranker.Rank(snap, now)

	views := make([]signalView, 0, len(ranked))
	for _, s := range ranked {
		views = append(views, signalView{
			PoolID:   s.PoolID,
			Token:    s.Token,
			Score:    s.Score,
			Momentum: s.Momentum,
			Volume:   s.Volume,
			RSI:      s.RSI,
			Price:    s.Price,
			Buy:      s.Buy,
			Reason:   s.Reason,
		})
	}

	writeJSON(w, http.StatusOK, listSignalsResponse{Signals: views, ComputedAt: now})
}
