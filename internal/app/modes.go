package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/equitydesk/buybackd/internal/archive"
	"github.com/equitydesk/buybackd/internal/server"
	"github.com/equitydesk/buybackd/internal/server/handler"
	"github.com/equitydesk/buybackd/internal/server/ws"
	"github.com/equitydesk/buybackd/internal/service"
	"github.com/equitydesk/buybackd/internal/sweep"
)

// services bundles the domain services shared by the application modes.
type services struct {
	queue  *service.QueueService
	settle *service.SettlementService
	fund   *service.FundService
}

// buildServices constructs the queue, settlement, and fund services from the
// wired dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	settleSvc := service.NewSettlementService(
		deps.OrderStore,
		deps.SettlementStore,
		deps.BalanceCache,
		deps.LockManager,
		deps.RateLimiter,
		deps.SignalBus,
		deps.AuditStore,
		service.SettlementConfig{
			LockTTL:    a.cfg.Engine.LockTTL.Duration,
			RateLimit:  a.cfg.Engine.SettleRateLimit,
			RateWindow: a.cfg.Engine.SettleRateWindow.Duration,
		},
		a.logger,
	)
	if deps.Notifier != nil {
		settleSvc = settleSvc.WithAlerter(deps.Notifier)
	}

	return &services{
		queue:  service.NewQueueService(deps.OrderStore, deps.SignalBus, deps.AuditStore, a.logger),
		settle: settleSvc,
		fund: service.NewFundService(
			deps.FundLedger, deps.LedgerStore, deps.BalanceCache,
			deps.SignalBus, deps.AuditStore, a.logger,
		),
	}
}

// ServeMode runs the HTTP + WebSocket API without the scheduled sweeper.
// Settlements happen only through operator API calls.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.recoverStale(ctx, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// SweepMode runs the scheduled FIFO sweeper without the HTTP API. Orders are
// settled in arrival order whenever the buyback funds allow it.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode",
		slog.Duration("interval", a.cfg.Sweep.Interval.Duration),
		slog.Int("parallelism", a.cfg.Sweep.Parallelism),
	)

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startSweeper(ctx, g, deps, svcs)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs every subsystem: the HTTP + WebSocket API, the scheduled
// sweeper, and the cold-storage archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.recoverStale(ctx, svcs)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	if a.cfg.Sweep.Enabled {
		a.startSweeper(ctx, g, deps, svcs)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// recoverStale restores orders stranded in processing by a crashed settlement
// attempt. Run once at startup before accepting new work.
func (a *App) recoverStale(ctx context.Context, svcs *services) {
	restored, err := svcs.settle.RecoverStale(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "startup recovery failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if restored > 0 {
		a.logger.InfoContext(ctx, "startup recovery restored stranded orders",
			slog.Int64("restored", restored),
		)
	}
}

// startHTTPServer adds the API server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Postgres, deps.Redis, a.logger),
		Orders:     handler.NewOrderHandler(svcs.queue, a.logger),
		Settlement: handler.NewSettlementHandler(svcs.settle, a.logger),
		Funds:      handler.NewFundHandler(svcs.fund, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startSweeper adds the scheduled settlement sweeper goroutine to the given
// errgroup.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	sweeper := sweep.New(deps.OrderStore, svcs.settle, a.cfg.Sweep.Parallelism, a.logger)

	interval := a.cfg.Sweep.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}

	g.Go(func() error {
		err := sweeper.RunLoop(ctx, interval)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startArchiver adds the cold-storage archive goroutine to the given errgroup
// when archival is enabled and S3 is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}

	runner := archive.NewRunner(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	g.Go(func() error {
		err := runner.RunLoop(ctx, interval)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}
