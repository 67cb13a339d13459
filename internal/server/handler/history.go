package handler

import (
	"log/slog"
	"net/http"

	"dexcycle/internal/domain"
)

// HistoryHandler serves the immutable transition log, newest first. Terminal
// records carry realized PnL, so this is also the trade-results endpoint.
type HistoryHandler struct {
	history domain.HistoryStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler reading from history.
func NewHistoryHandler(history domain.HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger.With(slog.String("handler", "history")),
	}
}

type listHistoryResponse struct {
	Records []domain.TransitionRecord `json:"records"`
}

// ListHistory returns recent transitions.
// GET /api/history?limit=50
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)

	records, err := h.history.RecentTransitions(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	if records == nil {
		records = []domain.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, listHistoryResponse{Records: records})
}
