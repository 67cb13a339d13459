package handler

import (
	"log/slog"
	"net/http"
	"time"

	"dexcycle/internal/domain"
)

// StatusHandler reports engine-level state: mode, uptime, and how many
// positions sit in each live lifecycle stage.
type StatusHandler struct {
	store     domain.PositionStore
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(store domain.PositionStore, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		store:     store,
		mode:      mode,
		startedAt: startedAt,
		logger:    logger.With(slog.String("handler", "status")),
	}
}

type statusResponse struct {
	Mode          string `json:"mode"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pending       int    `json:"pending"`
	Open          int    `json:"open"`
	Closing       int    `json:"closing"`
}

// GetStatus returns the engine status snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.store.ListPending(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	open, err := h.store.ListOpen(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	closing, err := h.store.ListClosing(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Pending:       len(pending),
		Open:          len(open),
		Closing:       len(closing),
	})
}

func (h *StatusHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "status query failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "failed to read engine status")
}
