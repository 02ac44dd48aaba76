package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/condorbot/internal/broker/kite"
	cachemem "github.com/alanyoungcy/condorbot/internal/cache/memory"
	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/executor"
	"github.com/alanyoungcy/condorbot/internal/feed"
	"github.com/alanyoungcy/condorbot/internal/journal"
	"github.com/alanyoungcy/condorbot/internal/metrics"
	"github.com/alanyoungcy/condorbot/internal/notify"
	"github.com/alanyoungcy/condorbot/internal/pipeline"
	"github.com/alanyoungcy/condorbot/internal/reconcile"
	"github.com/alanyoungcy/condorbot/internal/risk"
	"github.com/alanyoungcy/condorbot/internal/server"
	"github.com/alanyoungcy/condorbot/internal/server/handler"
	"github.com/alanyoungcy/condorbot/internal/server/ws"
	"github.com/alanyoungcy/condorbot/internal/service"
)

// replayWindow is how much position history a new dashboard client receives.
const replayWindow = 30 * time.Minute

// LiveMode trades through the Kite gateway: ticker, evaluator, executor,
// reconciliation scanner, archive cron and the HTTP API.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, false)
}

// PaperMode runs every loop of LiveMode but fills exit orders on paper. Fills
// for reconciliation still come from the real order book.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, true)
}

// MonitorMode serves the HTTP API and dashboard stream only. Prices come from
// the Redis mirror written by a live or paper process; manual exits are
// disabled because this process holds no broker session.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	policy, err := a.newPolicy()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	positions := service.NewPositionService(deps.Ledger, deps.SharedPrice, stopLeveler(policy),
		nil, deps.AuditStore, deps.Notifier, deps.Events, a.logger)
	a.startHTTPServer(ctx, g, deps, positions, nil, policy, nil)
	return g.Wait()
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, paper bool) error {
	a.logger.InfoContext(ctx, "starting risk engine",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("paper", paper),
		slog.String("policy", a.cfg.Risk.Policy),
	)

	policy, err := a.newPolicy()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	alerts := notify.NewAsync(deps.Notifier, 64, a.logger)

	// --- Broker ---
	client := kite.NewClient(kite.ClientConfig{
		BaseURL:         a.cfg.Kite.RestURL,
		APIKey:          a.cfg.Kite.APIKey,
		AccessToken:     a.cfg.Kite.AccessToken,
		Timeout:         a.cfg.Kite.RequestTimeout.Duration,
		OrdersPerSecond: a.cfg.Kite.OrdersPerSecond,
		Underlyings:     a.cfg.UnderlyingNames(),
	}, deps.RateLimiter, a.logger)
	var gateway domain.BrokerGateway = client
	if paper {
		gateway = kite.NewPaperGateway(client, a.logger)
	}

	// --- Exit path ---
	recorder := journal.NewRecorder(deps.Performance, deps.BlobWriter, a.logger)
	exec := executor.New(executor.Config{
		Product:      a.cfg.Kite.Product,
		OrderTimeout: a.cfg.Risk.ExitOrderTimeout.Duration,
	}, deps.Ledger, gateway, deps.AuditStore, recorder, alerts, deps.Events, a.logger)

	// --- Market data ---
	prices := cachemem.NewPriceCache()
	pump := feed.NewPump(prices, deps.PriceMirror, a.logger)
	ticker := kite.NewTicker(kite.TickerConfig{
		URL:         a.cfg.Kite.TickerURL,
		APIKey:      a.cfg.Kite.APIKey,
		AccessToken: a.cfg.Kite.AccessToken,
		OnReconnect: func() {
			metrics.TickerReconnects.Inc()
			a.logger.Info("ticker reconnected")
		},
	}, a.logger)
	ticker.OnTicks(pump.HandleTicks)
	subs := feed.NewSubscriptions(deps.Ledger, ticker, spotTokens(a.cfg), a.cfg.Risk.SubscriptionRefresh.Duration, a.logger)

	if err := ticker.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect ticker: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		if err := ticker.Close(); err != nil {
			a.logger.Warn("ticker close", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
	g.Go(func() error {
		return alerts.Run(ctx)
	})
	g.Go(func() error {
		return pump.Run(ctx)
	})
	g.Go(func() error {
		return subs.Run(ctx)
	})

	// --- Risk evaluation ---
	evaluator := risk.NewEvaluator(risk.Config{ATMBands: atmBands(a.cfg)},
		deps.Ledger, prices, policy, exec, alerts, deps.Events, a.logger)
	g.Go(func() error {
		return evaluator.Run(ctx, pump.Signal())
	})

	// --- Reconciliation ---
	underlyings := make(map[string]reconcile.Underlying, len(a.cfg.Underlyings))
	for name, u := range a.cfg.Underlyings {
		underlyings[name] = reconcile.Underlying{LotSize: u.LotSize, SpotToken: u.SpotToken, Exchange: u.Exchange}
	}
	scanner := reconcile.NewScanner(reconcile.Config{
		Interval:       a.cfg.Risk.ScanInterval.Duration,
		Schedule:       a.cfg.ScheduleByWeekday(),
		Location:       a.cfg.Location(),
		Underlyings:    underlyings,
		RollCarryRatio: a.cfg.Risk.RollCarryRatio,
		DefaultLots:    a.cfg.Risk.DefaultLots,
	}, gateway, deps.Ledger, deps.LockManager, deps.AuditStore, alerts, deps.Events, a.logger)
	g.Go(func() error {
		return scanner.Run(ctx)
	})

	// --- Archive ---
	var archiveTrigger chan struct{}
	if deps.Archiver != nil {
		archiveTrigger = make(chan struct{}, 1)
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Location(), a.logger)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.S3.ArchiveCron, archiveTrigger)
		})
	}

	// --- HTTP ---
	if a.cfg.Server.Enabled {
		positions := service.NewPositionService(deps.Ledger, prices, stopLeveler(policy),
			exec, deps.AuditStore, alerts, deps.Events, a.logger)
		a.startHTTPServer(ctx, g, deps, positions, service.NewBrokerBookService(client), policy, archiveTrigger)
	}

	_ = alerts.Notify(ctx, notify.EventStartup, "bot online",
		fmt.Sprintf("condorbot %s mode, policy %s, today %s", a.cfg.Mode, policy.Name(),
			orNone(scanner.ActiveUnderlying(time.Now()))))

	return g.Wait()
}

func (a *App) newPolicy() (risk.Policy, error) {
	policy, err := risk.NewPolicy(a.cfg.Risk.Policy, risk.Thresholds{
		DecayRatio:            a.cfg.Risk.DecayAlertRatio,
		FirefightMultiple:     a.cfg.Risk.FirefightMultiple,
		StopMultiple:          a.cfg.Risk.StopMultiple,
		ButterflyLossMultiple: a.cfg.Risk.ButterflyLossMultiple,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return policy, nil
}

// startHTTPServer registers the API server, websocket hub and their shutdown
// on g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	positions *service.PositionService,
	book *service.BrokerBookService,
	policy risk.Policy,
	archiveTrigger chan<- struct{},
) {
	status := service.NewStatusService(service.StatusConfig{
		Mode:     a.cfg.Mode,
		Policy:   policy.Name(),
		Schedule: a.cfg.ScheduleByWeekday(),
		Location: a.cfg.Location(),
	})

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, service.PositionsChannel, func(ctx context.Context) (any, error) {
			active, err := positions.Active(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": status.Status(), "positions": active}, nil
		}, a.logger).WithReplay(service.PositionsStream, replayWindow, 100)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	var brokerBook handler.BrokerBook
	if book != nil {
		brokerBook = book
	}

	archive := handler.NewArchiveHandler(a.logger)
	if archiveTrigger != nil {
		archive = archive.WithTriggerChannel(archiveTrigger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(status),
		Positions: handler.NewPositionHandler(positions, a.logger),
		Journal:   handler.NewJournalHandler(deps.Performance, deps.AuditStore, a.logger),
		Archive:   archive,
		Broker:    handler.NewBrokerHandler(brokerBook, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// stopLeveler returns the policy's stop level calculator, or nil for
// policies without one.
func stopLeveler(p risk.Policy) service.StopLeveler {
	if sl, ok := p.(service.StopLeveler); ok {
		return sl
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
