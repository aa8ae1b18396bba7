package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/engine"
	"github.com/alanyoungcy/alertbridge/internal/server"
	"github.com/alanyoungcy/alertbridge/internal/server/handler"
	"github.com/alanyoungcy/alertbridge/internal/server/ws"
	"github.com/alanyoungcy/alertbridge/internal/service"
)

// saveTimeout bounds one snapshot write of the position store.
const saveTimeout = 5 * time.Second

// core is the trading stack shared by both modes.
type core struct {
	engine  *engine.Manager
	fanout  *service.EventFanout
	trading *service.TradingService
}

// buildCore assembles the event fanout, the position engine and the trading
// service. hub may be nil; it receives events directly only when no bus
// carries them.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, hub *ws.Hub) *core {
	var fanoutOpts []service.FanoutOption
	if deps.SignalBus != nil {
		fanoutOpts = append(fanoutOpts, service.WithBus(deps.SignalBus))
	} else if hub != nil {
		fanoutOpts = append(fanoutOpts, service.WithBroadcaster(hub))
	}
	if deps.AuditStore != nil {
		fanoutOpts = append(fanoutOpts, service.WithAudit(deps.AuditStore))
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		fanoutOpts = append(fanoutOpts, service.WithNotifier(deps.Notifier))
	}
	fanout := service.NewEventFanout(a.logger, fanoutOpts...)

	engineOpts := []engine.Option{engine.WithEvents(fanout)}
	if len(deps.Journals) > 0 {
		engineOpts = append(engineOpts, engine.WithJournal(service.MultiJournal(deps.Journals)))
	}
	t := a.cfg.Trading
	eng := engine.New(engine.Config{
		LiveTrading:  t.EnableTrading,
		Interval:     t.MonitorInterval.Duration,
		ErrorBackoff: t.ErrorBackoff.Duration,
		SaveTimeout:  saveTimeout,
	}, deps.PositionStore, deps.Coinbase, deps.Feed, a.logger, engineOpts...)
	eng.Load(ctx)

	trading := service.NewTradingService(eng, deps.Coinbase, service.TradingConfig{
		LiveTrading:  t.EnableTrading,
		MaxPositions: t.MaxPositions,
		DedupWindow:  t.DedupWindow.Duration,
		Defaults: service.AlertDefaults{
			StopLossPct:           t.StopLossPct,
			TakeProfitPct:         t.TakeProfitPct,
			TrailingActivationPct: t.TrailingActivationPct,
			TrailingDistancePct:   t.TrailingDistancePct,
			PositionSizeUSD:       t.PositionSizeUSD,
			MaxLeverage:           t.MaxLeverage,
		},
	}, a.logger)

	return &core{engine: eng, fanout: fanout, trading: trading}
}

// acquireEngineLock keeps a second process from monitoring the same
// positions. Without Redis there is nothing to coordinate with.
func (a *App) acquireEngineLock(ctx context.Context, deps *Dependencies) (func(), error) {
	if deps.LockManager == nil {
		return func() {}, nil
	}
	key := engineLockKey(a.cfg)
	unlock, err := deps.LockManager.Acquire(ctx, key, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another instance is monitoring %s: %w", key, err)
		}
		return nil, fmt.Errorf("app: engine lock: %w", err)
	}
	a.logger.InfoContext(ctx, "engine lock acquired", slog.String("key", key))
	return unlock, nil
}

// hubChannels lists the bus channels relayed to WebSocket clients.
func (a *App) hubChannels() []string {
	channels := []string{service.PositionsChannel}
	if a.cfg.Feed.PublishTicks || a.cfg.Feed.Source == "bus" {
		channels = append(channels, a.cfg.Feed.TickChannel)
	}
	return channels
}

// ServeMode runs the HTTP server, the WebSocket hub, the event fanout and
// the monitoring loop. On shutdown the server stops accepting alerts first,
// then the engine stops and the fanout drains.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	unlock, err := a.acquireEngineLock(ctx, deps)
	if err != nil {
		return err
	}
	defer unlock()

	startedAt := time.Now().UTC()
	var eng *engine.Manager
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		BusChannels: a.hubChannels(),
		Status: func() any {
			return map[string]any{
				"mode":             a.cfg.Mode,
				"trading_enabled":  a.cfg.Trading.EnableTrading,
				"active_positions": eng.Count(),
				"monitoring":       eng.Monitoring(),
				"started_at":       startedAt,
			}
		},
	})
	c := a.buildCore(ctx, deps, hub)
	eng = c.engine

	live := a.cfg.Trading.EnableTrading
	srv := server.NewServer(server.Config{
		Host:               a.cfg.Server.Host,
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(c.engine, live, a.version, a.logger),
		Status:    handler.NewStatusHandler(c.engine, live, a.cfg.Trading.MaxPositions, a.logger),
		Webhook:   handler.NewWebhookHandler(c.trading, a.cfg.Server.WebhookSecret, a.logger),
		Positions: handler.NewPositionHandler(c.engine, c.trading, a.logger),
		Account:   handler.NewAccountHandler(deps.Coinbase, deps.AuditStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	fanoutCtx, stopFanout := context.WithCancel(context.WithoutCancel(ctx))
	defer stopFanout()

	g.Go(func() error {
		return ignoreCanceled(c.fanout.Run(fanoutCtx))
	})
	g.Go(func() error {
		err := c.engine.Run(engineCtx)
		stopFanout()
		return ignoreCanceled(err)
	})
	g.Go(func() error {
		return ignoreCanceled(hub.Run(gctx))
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		stopEngine()
		return err
	})
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		g.Go(func() error {
			msg := fmt.Sprintf("listening on %s, trading_enabled=%t, %d open positions", srv.Addr(), live, c.engine.Count())
			if err := deps.Notifier.NotifyAll(gctx, "alertbridge started", msg); err != nil {
				a.logger.WarnContext(gctx, "startup notification failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	a.logger.InfoContext(ctx, "alertbridge ready",
		slog.String("addr", srv.Addr()),
		slog.Int("positions", c.engine.Count()),
	)
	return g.Wait()
}

// MonitorMode only watches the persisted positions; no alert is accepted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	unlock, err := a.acquireEngineLock(ctx, deps)
	if err != nil {
		return err
	}
	defer unlock()

	c := a.buildCore(ctx, deps, nil)

	var g errgroup.Group
	fanoutCtx, stopFanout := context.WithCancel(context.WithoutCancel(ctx))
	defer stopFanout()

	g.Go(func() error {
		return ignoreCanceled(c.fanout.Run(fanoutCtx))
	})
	g.Go(func() error {
		err := c.engine.Run(ctx)
		stopFanout()
		return ignoreCanceled(err)
	})

	a.logger.InfoContext(ctx, "monitoring persisted positions", slog.Int("positions", c.engine.Count()))
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
