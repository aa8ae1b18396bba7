package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// PositionEngine is the engine surface the trading service drives.
type PositionEngine interface {
	AddPosition(ctx context.Context, p domain.Position) error
	Count() int
	HasInstrument(instrument string) bool
	FindOpen(instrument string, side domain.PositionSide) (domain.Position, bool)
	ClosePosition(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error)
	CloseAll(ctx context.Context) ([]domain.Position, error)
	SyncSubscriptions(ctx context.Context) error
}

// TradingConfig holds entry limits and the execution mode.
type TradingConfig struct {
	LiveTrading  bool
	MaxPositions int
	Defaults     AlertDefaults
	DedupWindow  time.Duration
}

// AlertResult is the structured outcome of one alert.
type AlertResult struct {
	Success            bool     `json:"success"`
	Message            string   `json:"message"`
	Action             string   `json:"action,omitempty"`
	Symbol             string   `json:"symbol,omitempty"`
	PositionID         string   `json:"position_id,omitempty"`
	OrderID            string   `json:"order_id,omitempty"`
	Side               string   `json:"side,omitempty"`
	EntryPrice         float64  `json:"entry_price,omitempty"`
	Size               float64  `json:"size,omitempty"`
	StopLoss           float64  `json:"stop_loss,omitempty"`
	TakeProfit         float64  `json:"take_profit,omitempty"`
	TrailingActivation float64  `json:"trailing_activation,omitempty"`
	PnL                *float64 `json:"pnl,omitempty"`
	PnLPct             *float64 `json:"pnl_pct,omitempty"`
	PositionsClosed    []string `json:"positions_closed,omitempty"`
	PaperTrade         bool     `json:"paper_trade,omitempty"`
}

// TradingService turns alerts into engine operations. Entries are
// serialised so the capacity and one-per-instrument checks cannot race.
type TradingService struct {
	engine  PositionEngine
	gateway domain.OrderGateway
	cfg     TradingConfig
	dedup   *Dedup
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	entryMu sync.Mutex
}

// NewTradingService creates a TradingService.
func NewTradingService(engine PositionEngine, gateway domain.OrderGateway, cfg TradingConfig, logger *slog.Logger) *TradingService {
	return &TradingService{
		engine:  engine,
		gateway: gateway,
		cfg:     cfg,
		dedup:   NewDedup(cfg.DedupWindow),
		logger:  logger.With(slog.String("component", "trading_service")),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Defaults returns the alert defaults applied by ParseAlert.
func (s *TradingService) Defaults() AlertDefaults { return s.cfg.Defaults }

// LiveTrading reports whether entry orders reach the exchange.
func (s *TradingService) LiveTrading() bool { return s.cfg.LiveTrading }

// MaxPositions is the open-position capacity.
func (s *TradingService) MaxPositions() int { return s.cfg.MaxPositions }

// HandleAlert dispatches a parsed alert.
func (s *TradingService) HandleAlert(ctx context.Context, a domain.Alert) (AlertResult, error) {
	s.logger.InfoContext(ctx, "alert received",
		slog.String("action", string(a.Action)),
		slog.String("symbol", a.Instrument),
		slog.Float64("position_size_usd", a.PositionSizeUSD),
		slog.Bool("live_trading", s.cfg.LiveTrading),
	)

	switch a.Action {
	case domain.ActionLong, domain.ActionShort:
		return s.handleEntry(ctx, a)
	case domain.ActionExitLong:
		return s.Exit(ctx, a.Instrument, domain.SideLong)
	case domain.ActionExitShort:
		return s.Exit(ctx, a.Instrument, domain.SideShort)
	case domain.ActionCloseAll:
		return s.CloseAll(ctx)
	default:
		return AlertResult{}, domain.Validationf("unknown action %q", a.Action)
	}
}

func (s *TradingService) handleEntry(ctx context.Context, a domain.Alert) (AlertResult, error) {
	key := Fingerprint(a)
	if s.dedup.IsDuplicate(key) {
		s.logger.WarnContext(ctx, "duplicate alert ignored", slog.String("symbol", a.Instrument))
		return AlertResult{}, fmt.Errorf("trading_service: duplicate alert for %s: %w", a.Instrument, domain.ErrAlreadyExists)
	}

	p, orderID, err := s.Open(ctx, a)
	if err != nil {
		s.dedup.Forget(key)
		return AlertResult{}, err
	}

	return AlertResult{
		Success:            true,
		Message:            fmt.Sprintf("%s position opened", p.Side),
		Action:             string(a.Action),
		Symbol:             p.Instrument,
		PositionID:         p.ID,
		OrderID:            orderID,
		Side:               string(p.Side),
		EntryPrice:         p.EntryPrice,
		Size:               p.Size,
		StopLoss:           p.StopLossPrice,
		TakeProfit:         p.TakeProfitPrice,
		TrailingActivation: p.TrailingActivationPrice,
		PaperTrade:         !s.cfg.LiveTrading,
	}, nil
}

// Open validates capacity, places the entry order (live) or simulates it
// (paper), and registers the new position with the engine. It returns the
// position and the exchange order id, empty in paper mode.
func (s *TradingService) Open(ctx context.Context, a domain.Alert) (domain.Position, string, error) {
	side := domain.SideLong
	if a.Action == domain.ActionShort {
		side = domain.SideShort
	} else if a.Action != domain.ActionLong {
		return domain.Position{}, "", domain.Validationf("action %s does not open a position", a.Action)
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	if n := s.engine.Count(); s.cfg.MaxPositions > 0 && n >= s.cfg.MaxPositions {
		s.logger.WarnContext(ctx, "max positions reached", slog.Int("open", n), slog.Int("max", s.cfg.MaxPositions))
		return domain.Position{}, "", fmt.Errorf("trading_service: max positions reached (%d/%d): %w", n, s.cfg.MaxPositions, domain.ErrCapacity)
	}
	if s.engine.HasInstrument(a.Instrument) {
		s.logger.WarnContext(ctx, "instrument already held", slog.String("symbol", a.Instrument))
		return domain.Position{}, "", fmt.Errorf("trading_service: already have position in %s: %w", a.Instrument, domain.ErrInstrumentHeld)
	}

	// The quote is the simulated fill in paper mode and the pre-trade
	// reference in live mode, so bad explicit levels are rejected before any
	// order is sent.
	quote, err := s.gateway.CurrentPrice(ctx, a.Instrument)
	if err != nil {
		return domain.Position{}, "", fmt.Errorf("trading_service: quote: %w", err)
	}
	p, err := s.buildPosition(ctx, a, side, quote, false)
	if err != nil {
		return domain.Position{}, "", err
	}

	var orderID string
	if s.cfg.LiveTrading {
		res, err := s.gateway.PlaceMarketOrder(ctx, domain.OrderRequest{
			Instrument:    a.Instrument,
			Side:          side.EntryOrderSide(),
			QuoteSize:     a.PositionSizeUSD,
			ClientOrderID: "webhook_" + s.newID(),
		})
		if err != nil {
			return domain.Position{}, "", fmt.Errorf("trading_service: entry order: %w", err)
		}
		orderID = res.OrderID

		fill, err := s.gateway.CurrentPrice(ctx, a.Instrument)
		if err != nil {
			s.logger.WarnContext(ctx, "fill price unavailable, using pre-trade quote",
				slog.String("order_id", orderID),
				slog.Float64("quote", quote),
				slog.String("error", err.Error()),
			)
			fill = quote
		}
		// The order is live, so levels that the move made invalid fall back
		// to their percentage offsets rather than leaving it untracked.
		if p, err = s.buildPosition(ctx, a, side, fill, true); err != nil {
			return domain.Position{}, "", err
		}
	} else {
		s.logger.InfoContext(ctx, "paper trade, entry simulated at current price",
			slog.String("symbol", a.Instrument),
			slog.Float64("price", quote),
		)
	}

	if err := s.engine.AddPosition(ctx, p); err != nil {
		return domain.Position{}, "", fmt.Errorf("trading_service: register position: %w", err)
	}
	if err := s.engine.SyncSubscriptions(ctx); err != nil {
		s.logger.WarnContext(ctx, "position opened without live prices", slog.String("position_id", p.ID))
	}

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Instrument),
		slog.String("side", string(p.Side)),
		slog.Float64("entry", p.EntryPrice),
		slog.Float64("size", p.Size),
		slog.Float64("stop", p.StopLossPrice),
		slog.Float64("target", p.TakeProfitPrice),
		slog.Float64("trailing_activation", p.TrailingActivationPrice),
		slog.Float64("leverage", a.Leverage),
	)
	return p, orderID, nil
}

// buildPosition derives size and exit levels from the fill. Explicit alert
// levels replace the percentage-derived ones when they sit on the correct
// side of the fill; otherwise the alert is rejected, or with lenient set the
// percentage level is kept.
func (s *TradingService) buildPosition(ctx context.Context, a domain.Alert, side domain.PositionSide, fill float64, lenient bool) (domain.Position, error) {
	if !(fill > 0) {
		return domain.Position{}, fmt.Errorf("trading_service: fill price %v: %w", fill, domain.ErrGateway)
	}

	sign := 1.0
	if side == domain.SideShort {
		sign = -1.0
	}
	// adverse and favourable are relative to the holder's direction.
	adverse := func(v float64) bool { return sign*(v-fill) < 0 }
	favourable := func(v float64) bool { return sign*(v-fill) > 0 }

	stop := fill * (1 - sign*a.StopLossPct/100)
	target := fill * (1 + sign*a.TakeProfitPct/100)
	activation := fill * (1 + sign*a.TrailingActivationPct/100)

	explicit := []struct {
		name  string
		v     float64
		ok    func(float64) bool
		level *float64
	}{
		{"stop_price", a.StopPrice, adverse, &stop},
		{"target_price", a.TargetPrice, favourable, &target},
		{"trailing_activation_price", a.TrailingActivationPrice, func(v float64) bool { return !adverse(v) }, &activation},
	}
	for _, e := range explicit {
		if e.v <= 0 {
			continue
		}
		if e.ok(e.v) {
			*e.level = e.v
			continue
		}
		if !lenient {
			return domain.Position{}, fmt.Errorf("trading_service: %w",
				domain.Validationf("%s %g is on the wrong side of %s entry %g", e.name, e.v, side, fill))
		}
		s.logger.WarnContext(ctx, "explicit level invalid after fill, using percentage offset",
			slog.String("level", e.name),
			slog.Float64("requested", e.v),
			slog.Float64("fill", fill),
			slog.Float64("used", *e.level),
		)
	}

	p := domain.Position{
		ID:                      s.newID(),
		Instrument:              a.Instrument,
		Side:                    side,
		Size:                    a.PositionSizeUSD / fill,
		EntryPrice:              fill,
		CurrentPrice:            fill,
		StopLossPrice:           stop,
		TakeProfitPrice:         target,
		TrailingActivationPrice: activation,
		TrailingDistancePct:     a.TrailingDistancePct,
		Status:                  domain.StatusActive,
		OpenedAt:                s.now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("trading_service: levels for fill %v: %w", fill, err)
	}
	return p, nil
}

// Exit closes the open position on (instrument, side) with reason SIGNAL.
// No match is a non-error result.
func (s *TradingService) Exit(ctx context.Context, instrument string, side domain.PositionSide) (AlertResult, error) {
	p, ok := s.engine.FindOpen(instrument, side)
	if !ok {
		s.logger.InfoContext(ctx, "no position to exit", slog.String("symbol", instrument), slog.String("side", string(side)))
		return AlertResult{
			Success: false,
			Message: fmt.Sprintf("No %s position found for %s", side, instrument),
			Symbol:  instrument,
		}, nil
	}

	closed, err := s.engine.ClosePosition(ctx, p.ID, domain.ExitSignal)
	if errors.Is(err, domain.ErrNotFound) {
		return AlertResult{
			Success: false,
			Message: fmt.Sprintf("No %s position found for %s", side, instrument),
			Symbol:  instrument,
		}, nil
	}
	if err != nil {
		return AlertResult{}, fmt.Errorf("trading_service: exit %s: %w", p.ID, err)
	}

	pnl, pnlPct := closed.PnL, closed.PnLPct
	return AlertResult{
		Success:    true,
		Message:    fmt.Sprintf("%s position closed", side),
		PositionID: closed.ID,
		Symbol:     closed.Instrument,
		Side:       string(closed.Side),
		PnL:        &pnl,
		PnLPct:     &pnlPct,
		PaperTrade: !s.cfg.LiveTrading,
	}, nil
}

// ClosePosition manually closes one position by id.
func (s *TradingService) ClosePosition(ctx context.Context, id string) (domain.Position, error) {
	closed, err := s.engine.ClosePosition(ctx, id, domain.ExitManual)
	if err != nil {
		return domain.Position{}, fmt.Errorf("trading_service: close %s: %w", id, err)
	}
	return closed, nil
}

// CloseAll manually closes every open position in turn and lists the ids
// closed. Partial failures are returned alongside the ids that did close.
func (s *TradingService) CloseAll(ctx context.Context) (AlertResult, error) {
	closed, err := s.engine.CloseAll(ctx)
	ids := make([]string, 0, len(closed))
	for _, p := range closed {
		ids = append(ids, p.ID)
	}
	res := AlertResult{
		Success:         err == nil,
		Message:         fmt.Sprintf("Closed %d positions", len(ids)),
		PositionsClosed: ids,
		PaperTrade:      !s.cfg.LiveTrading,
	}
	if err != nil {
		s.logger.WarnContext(ctx, "close all incomplete", slog.Int("closed", len(ids)), slog.String("error", err.Error()))
		return res, fmt.Errorf("trading_service: close all: %w", err)
	}
	return res, nil
}
