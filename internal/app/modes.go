package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"dexcycle/internal/cycle"
	"dexcycle/internal/domain"
	"dexcycle/internal/keys"
	"dexcycle/internal/server"
	"dexcycle/internal/server/handler"
	"dexcycle/internal/server/ws"
)

// RunMode is the unattended service: scheduled ticks, the status API with
// its WebSocket event stream, and the optional trade-log archiver. It blocks
// until the context is cancelled or a component fails.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	startedAt := time.Now().UTC()
	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	reporters := []domain.Reporter{deps.Notifier}
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(a.cfg.Mode, startedAt, a.logger)
		reporters = append(reporters, hub)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	controller := cycle.New(
		deps.Store,
		deps.Gateway,
		deps.Provider,
		deps.Scorer,
		multiReporter(reporters),
		*a.cfg,
		a.logger,
	)

	sched := cycle.NewScheduler(
		controller,
		deps.Locks,
		a.cfg.Scheduler.TickInterval.Duration,
		a.cfg.Scheduler.LockTTL.Duration,
		a.logger,
	)
	g.Go(func() error {
		return sched.Run(ctx)
	})

	if deps.Archiver != nil && a.cfg.Scheduler.ArchiveInterval.Duration > 0 {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Scheduler.ArchiveInterval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startStatusServer(ctx, g, deps, hub, startedAt)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OnceMode runs exactly one tick and exits. Useful under an external
// scheduler such as cron, and for smoke-testing a configuration.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	controller := cycle.New(
		deps.Store,
		deps.Gateway,
		deps.Provider,
		deps.Scorer,
		deps.Notifier,
		*a.cfg,
		a.logger,
	)
	if err := controller.Tick(ctx); err != nil {
		return fmt.Errorf("app: tick: %w", err)
	}
	return nil
}

// StatusMode prints a JSON summary of live positions and recent transitions
// to stdout and exits.
func (a *App) StatusMode(ctx context.Context, deps *Dependencies) error {
	positions, err := deps.Store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("app: status: list positions: %w", err)
	}
	history, err := deps.History.RecentTransitions(ctx, 20)
	if err != nil {
		return fmt.Errorf("app: status: read history: %w", err)
	}

	out := struct {
		Positions []domain.Position         `json:"positions"`
		Recent    []domain.TransitionRecord `json:"recent_transitions"`
	}{positions, history}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// EncryptKeyMode encrypts the configured raw private key with the configured
// password and writes the blob to the encrypted key path.
func (a *App) EncryptKeyMode(_ context.Context) error {
	w := a.cfg.Wallet
	if w.PrivateKey == "" {
		return errors.New("app: encrypt-key: wallet private_key (or DEXCYCLE_PRIVATE_KEY) is required")
	}
	if w.KeyPassword == "" {
		return errors.New("app: encrypt-key: wallet key_password (or DEXCYCLE_KEY_PASSWORD) is required")
	}
	if w.EncryptedKeyPath == "" {
		return errors.New("app: encrypt-key: wallet encrypted_key_path is required")
	}

	blob, err := keys.Encrypt(w.PrivateKey, w.KeyPassword)
	if err != nil {
		return fmt.Errorf("app: encrypt-key: %w", err)
	}
	if err := os.WriteFile(w.EncryptedKeyPath, blob, 0o600); err != nil {
		return fmt.Errorf("app: encrypt-key: write %s: %w", w.EncryptedKeyPath, err)
	}

	a.logger.Info("encrypted key written",
		slog.String("path", w.EncryptedKeyPath),
	)
	return nil
}

// startStatusServer adds the HTTP server and its shutdown watcher to the
// errgroup.
func (a *App) startStatusServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, startedAt time.Time) {
	srv := server.New(a.cfg.Server, server.Handlers{
		Health:    handler.NewHealthHandler(startedAt, a.logger),
		Status:    handler.NewStatusHandler(deps.Store, a.cfg.Mode, startedAt, a.logger),
		Positions: handler.NewPositionHandler(deps.Store, a.logger),
		History:   handler.NewHistoryHandler(deps.History, a.logger),
		Signals:   handler.NewSignalHandler(deps.Provider, deps.Scorer, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// multiReporter fans one event out to several reporters. Delivery failures
// are the individual reporter's concern; the fan-out never fails the tick.
type multiReporter []domain.Reporter

func (m multiReporter) Report(ctx context.Context, ev domain.Event) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		_ = r.Report(ctx, ev)
	}
	return nil
}
