// Package app wires the coordinator process together and runs its loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratfleet/internal/config"
	"github.com/alanyoungcy/stratfleet/internal/server"
	"github.com/alanyoungcy/stratfleet/internal/server/handler"
	"github.com/alanyoungcy/stratfleet/internal/server/ws"
)

// Run modes.
const (
	ModeFull    = "full"
	ModeMonitor = "monitor" // observe and report; no automatic trading actions
)

const shutdownTimeout = 10 * time.Second

// App owns the configuration, the logger and the cleanup functions that are
// called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App. The mode is normalised to lower case.
func New(cfg *config.Config, logger *slog.Logger) *App {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies, starts every loop and blocks until ctx is
// cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Any("exchanges", a.cfg.Exchanges),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	comp := Build(a.cfg, deps, a.logger)
	a.closers = append(a.closers, comp.Failover.Stop, comp.Recovery.Stop)

	if err := comp.Coordinator.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "open groups not restored", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return comp.Monitor.Run(ctx) })
	g.Go(func() error { return comp.Fleet.Run(ctx, fleetRefresh(a.cfg)) })
	g.Go(func() error { return comp.Sync.Run(ctx) })
	g.Go(func() error { return comp.Checker.Run(ctx) })
	g.Go(func() error { return comp.Coordinator.Run(ctx) })
	if comp.Consumer != nil {
		g.Go(func() error { return comp.Consumer.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, comp, deps)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, comp *Components, deps *Dependencies) {
	hub := ws.NewHub(ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()}, a.logger)
	comp.Bus.SubscribeAll(hub.Handle)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		APIKey:      a.cfg.Server.APIKey,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health: handler.NewHealthHandler(),
		Status: handler.NewStatusHandler(a.cfg.Mode, time.Now().UTC(), handler.StatusSources{
			Fleet:     comp.Fleet,
			Exchanges: comp.Monitor,
			Recovery:  comp.Recovery,
			Failover:  comp.Failover,
			Groups:    comp.Coordinator,
		}),
		Strategies: handler.NewStrategyHandler(comp.Sync, comp.Checker, a.logger),
		Failover:   handler.NewFailoverHandler(comp.Failover, comp.Coordinator, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close tears down resources in reverse registration order. Later calls are
// no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
