package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"dexcycle/internal/domain"
)

// PositionHandler serves position lifecycle state over HTTP. It reads through
// the same store the trade cycle writes, so responses always reflect durable
// state rather than in-memory views.
type PositionHandler struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler backed by the given store.
func NewPositionHandler(store domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		store:  store,
		logger: logger.With(slog.String("handler", "positions")),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns active positions, optionally filtered by status.
// GET /api/positions?status=pending|open|closing
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		positions []domain.Position
		err       error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "":
		positions, err = h.store.ListNonTerminal(ctx)
	case string(domain.PositionStatusPending):
		positions, err = h.store.ListPending(ctx)
	case string(domain.PositionStatusOpen):
		positions, err = h.store.ListOpen(ctx)
	case string(domain.PositionStatusClosing):
		positions, err = h.store.ListClosing(ctx)
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter: "+status)
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	writeJSON(w, http.StatusOK, p)
}
