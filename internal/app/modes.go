package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/parimutuel/internal/server"
	"github.com/alanyoungcy/parimutuel/internal/server/handler"
	"github.com/alanyoungcy/parimutuel/internal/server/ws"
)

// APIMode serves HTTP and websocket traffic. Reconciliation runs only when
// triggered through the sync endpoints.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ReconcileMode runs only the periodic chain sync.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting reconcile mode",
		slog.Duration("interval", a.cfg.Reconcile.Interval.Duration),
	)
	if a.cfg.Reconcile.Interval.Duration <= 0 {
		return errors.New("app: reconcile mode needs a positive reconcile.interval")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Reconcile.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the API and, when enabled, the periodic sync in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	if a.cfg.Reconcile.Enabled {
		g.Go(func() error {
			return deps.Reconcile.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "app: periodic reconciliation disabled")
	}
	return g.Wait()
}

// startHTTPServer adds the HTTP server, its websocket hub and the shutdown
// watcher to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.Pinger{"store": deps.MarketStore}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.S3 != nil {
		checks["s3"] = handler.PingFunc(deps.S3.Health)
	}

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		APIRate:     server.RateLimit{Limit: sc.APIRate.Limit, Window: sc.APIRate.Window.Duration},
		BetRate:     server.RateLimit{Limit: sc.BetRate.Limit, Window: sc.BetRate.Window.Duration},
		MarketRate:  server.RateLimit{Limit: sc.MarketRate.Limit, Window: sc.MarketRate.Window.Duration},
	}, server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Markets: handler.NewMarketHandler(deps.Ledger, a.logger),
		Bets:    handler.NewBetHandler(deps.Ledger, a.logger),
		Sync:    handler.NewSyncHandler(deps.Reconcile, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	if sc.APIKey == "" {
		a.logger.WarnContext(ctx, "app: server.api_key is empty, admin endpoints are unauthenticated")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
