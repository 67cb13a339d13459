// Package server exposes the engine's read-only status API over HTTP plus a
// WebSocket event stream. The server observes the trade cycle; it never
// drives it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/server/handler"
	"dexcycle/internal/server/middleware"
	"dexcycle/internal/server/ws"
)

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	History   *handler.HistoryHandler
	Signals   *handler.SignalHandler
}

// Server is the status HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered and the middleware chain
// (CORS, logging, auth) applied. Health stays outside auth so load balancers
// can probe without credentials.
func New(cfg config.ServerConfig, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	log := logger.With(slog.String("component", "server"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/history", handlers.History.ListHistory)
	mux.HandleFunc("GET /api/signals", handlers.Signals.ListSignals)
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)

	// Health bypasses auth.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	outer.Handle("/", h)

	var root http.Handler = outer
	root = middleware.Logging(log)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log,
	}
}

// Start blocks serving requests until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
