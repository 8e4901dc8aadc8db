// Package entry turns pending order intents into market buys when a closed
// candle enters the entry band.
package entry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/internal/notify"
	"spotkeeper/internal/order"
	"spotkeeper/internal/protection"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
	"spotkeeper/pkg/tradingmath"
)

// Config tunes the scheduler.
type Config struct {
	// FillThreshold is the filled/requested ratio at which a buy counts as
	// fully executed.
	FillThreshold float64
	LeaseTTL      time.Duration
	// OrderTimeout bounds the exchange calls made for one order.
	OrderTimeout time.Duration
}

// tradeLookback is how many recent account trades are searched for the
// fills of an unresolved entry order.
const tradeLookback = 50

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{FillThreshold: 0.99, LeaseTTL: order.DefaultLeaseTTL, OrderTimeout: 30 * time.Second}
}

// Scheduler evaluates pending orders against closed candles.
type Scheduler struct {
	store    *order.Store
	adapters gateway.Provider
	protect  *protection.Manager
	notifier notify.Notifier
	metrics  *monitor.Metrics
	cfg      Config
	now      order.Clock
	log      zerolog.Logger
}

// New creates a Scheduler.
func New(store *order.Store, adapters gateway.Provider, protect *protection.Manager, notifier notify.Notifier,
	metrics *monitor.Metrics, cfg Config, now order.Clock, log zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.FillThreshold <= 0 {
		cfg.FillThreshold = def.FillThreshold
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	return &Scheduler{
		store:    store,
		adapters: adapters,
		protect:  protect,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, "entry"),
	}
}

// Report summarizes one tick.
type Report struct {
	Timestamp time.Time
	Evaluated int
	Triggered int
	Skipped   int
	Failed    int
}

// RunOnce evaluates every pending order once, sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{Timestamp: s.now()}
	pending, err := s.store.ListByStatus(ctx, order.StatusPending)
	if err != nil {
		return report, err
	}
	for _, o := range pending {
		if o.EntryOrderID != "" && !o.LeaseActive(s.now()) {
			report.Evaluated++
			octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OrderTimeout)
			err := s.resolve(octx, o)
			cancel()
			switch {
			case order.IsSkippable(err):
				report.Skipped++
			case err != nil:
				report.Failed++
				s.log.Warn().Err(err).Int64("order_id", o.ID).Str("entry_order_id", o.EntryOrderID).
					Msg("entry resolution failed, retrying next tick")
			}
			continue
		}
		if strings.EqualFold(o.EntryInterval, order.IntervalMarket) || o.LeaseActive(s.now()) {
			report.Skipped++
			continue
		}
		report.Evaluated++

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OrderTimeout)
		triggered, err := s.evaluate(octx, o)
		cancel()

		log := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
		switch {
		case order.IsSkippable(err):
			report.Skipped++
		case err != nil:
			report.Failed++
			if common.IsTransient(err) {
				log.Warn().Err(err).Msg("entry evaluation failed, retrying next tick")
			} else {
				log.Error().Err(err).Msg("entry evaluation failed")
			}
		case triggered:
			report.Triggered++
		}
	}
	return report, nil
}

func (s *Scheduler) evaluate(ctx context.Context, o *order.Order) (bool, error) {
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return false, err
	}
	candles, err := ex.GetKlines(ctx, o.Symbol, o.EntryInterval, 2)
	if err != nil {
		return false, fmt.Errorf("klines: %w", err)
	}
	candle, ok := common.LastClosedCandle(candles, s.now())
	if !ok || !Triggers(o, candle) {
		return false, nil
	}

	err = s.store.WithLease(ctx, o.ID, "entry", s.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := s.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if fresh.Status != order.StatusPending {
			return order.ErrConflict
		}
		return s.Execute(ctx, ex, fresh, candle.Close)
	})
	return err == nil, err
}

// Triggers reports whether candle fires the entry of o: the close is inside
// [entry_price, max_entry] and the candle closed after the order was created.
func Triggers(o *order.Order, c common.Candle) bool {
	if !c.CloseTime.After(o.CreatedAt) {
		return false
	}
	if c.Close < o.EntryPrice {
		return false
	}
	if o.MaxEntry > 0 && c.Close > o.MaxEntry {
		return false
	}
	return true
}

// Execute buys o at market and protects the fill. The caller holds the
// lease; ctx must carry the holder. refPrice is the price the decision was
// made at and the fallback execution price.
func (s *Scheduler) Execute(ctx context.Context, ex common.Adapter, o *order.Order, refPrice float64) error {
	log := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
	quote := order.QuoteAsset(o.Symbol)

	free, err := ex.GetBalance(ctx, quote)
	if err != nil {
		return fmt.Errorf("quote balance: %w", err)
	}
	if need := tradingmath.Notional(o.EntryPrice, o.Quantity); free < need {
		return fmt.Errorf("%w: %s free %s < %s", order.ErrInsufficientBalance, quote,
			tradingmath.Canonical(free), tradingmath.Canonical(need))
	}

	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}
	info = info.WithDefaults()
	qty := tradingmath.FloorToStep(o.Quantity, info.StepSize)
	if qty <= 0 || qty < info.MinQty {
		return fmt.Errorf("%w: %s < %s", order.ErrBelowMinQty, tradingmath.Canonical(qty), tradingmath.Canonical(info.MinQty))
	}
	if n := tradingmath.Notional(qty, refPrice); n < info.MinNotional {
		return fmt.Errorf("%w: %s < %s", order.ErrBelowMinNotional, tradingmath.Canonical(n), tradingmath.Canonical(info.MinNotional))
	}

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol: o.Symbol,
		Side:   common.SideBuy,
		Type:   common.OrderTypeMarket,
		Qty:    qty,
	})
	if err != nil {
		return fmt.Errorf("market buy: %w", err)
	}

	// From here the exchange holds the buy: errors are logged, never returned,
	// and later ticks resolve the fill through the recorded entry order id.
	if err := s.store.Patch(ctx, o.ID, order.Update{EntryOrderID: order.Str(res.OrderID)}, order.StatusPending); err != nil {
		logger.Critical(&log).Err(err).Str("entry_order_id", res.OrderID).Msg("market buy accepted but entry order id not stored")
		return nil
	}
	o.EntryOrderID = res.OrderID

	filled := res.FilledQty()
	if filled <= 0 {
		log.Warn().Str("entry_order_id", res.OrderID).Str("status", string(res.Status)).
			Msg("market buy accepted without reported fills, resolving next tick")
		return nil
	}
	price := res.AvgPrice()
	if price <= 0 {
		price = refPrice
	}
	s.record(ctx, ex, o, qty, filled, price)
	return nil
}

// resolve settles a pending order whose market buy was accepted on an
// earlier attempt. The exchange's trades for the entry order id decide the
// outcome; a buy that is no longer open and never traded is cancelled.
func (s *Scheduler) resolve(ctx context.Context, o *order.Order) error {
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return err
	}
	return s.store.WithLease(ctx, o.ID, "entry", s.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := s.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if fresh.Status != order.StatusPending || fresh.EntryOrderID == "" {
			return order.ErrConflict
		}
		log := s.log.With().Int64("order_id", fresh.ID).Str("symbol", fresh.Symbol).
			Str("entry_order_id", fresh.EntryOrderID).Logger()

		open, err := ex.GetOpenOrders(ctx, fresh.Symbol)
		if err != nil {
			return fmt.Errorf("open orders: %w", err)
		}
		trades, err := ex.GetRecentTrades(ctx, fresh.Symbol, tradeLookback)
		if err != nil {
			return fmt.Errorf("recent trades: %w", err)
		}
		var filled, notional float64
		for _, tr := range trades {
			if tr.IsBuy && tr.OrderID == fresh.EntryOrderID {
				filled += tr.Qty
				notional += tr.Qty * tr.Price
			}
		}
		if _, stillOpen := common.FindOpenOrder(open, fresh.EntryOrderID); stillOpen {
			log.Debug().Float64("filled", filled).Msg("entry order still working")
			return nil
		}
		if filled <= 0 {
			now := s.now()
			if err := s.store.Transition(ctx, fresh.ID, order.StatusCancelled, order.Update{ClosedAt: order.Time(now)}); err != nil {
				return err
			}
			s.metrics.IncTransition(string(order.StatusCancelled), "entry")
			log.Warn().Msg("entry order ended without fills, order cancelled")
			return nil
		}
		qty := fresh.Quantity
		if info, err := ex.GetSymbolInfo(ctx, fresh.Symbol); err == nil {
			qty = tradingmath.FloorToStep(qty, info.WithDefaults().StepSize)
		}
		s.record(ctx, ex, fresh, qty, filled, notional/filled)
		return nil
	})
}

// record persists a fill, protects it and announces the open position.
func (s *Scheduler) record(ctx context.Context, ex common.Adapter, o *order.Order, requested, filled, price float64) {
	log := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
	status := order.StatusExecuted
	if filled < requested*s.cfg.FillThreshold {
		status = order.StatusPartialFilled
	}

	now := s.now()
	err := s.store.Transition(ctx, o.ID, status, order.Update{
		Quantity:      order.Float(filled),
		ExecutedPrice: order.Float(price),
		ExecutedAt:    order.Time(now),
		SLUpdatedAt:   order.Time(now),
	})
	if err != nil {
		// the entry order id is stored, so the next tick retries from trades
		logger.Critical(&log).Err(err).Str("entry_order_id", o.EntryOrderID).Float64("filled", filled).
			Msg("market buy executed but order could not be updated")
		return
	}
	o.Status, o.Quantity, o.ExecutedPrice = status, filled, price
	o.ExecutedAt, o.SLUpdatedAt = now, now
	s.metrics.IncTransition(string(status), "entry")
	log.Info().Str("status", string(status)).Float64("filled", filled).Float64("price", price).Msg("entry executed")

	if o.TakeProfit > 0 {
		if _, err := s.protect.Place(ctx, ex, o, protection.Target{Qty: filled, Price: o.TakeProfit}); err != nil {
			// stays executed and unprotected; reconciliation keeps it visible
			log.Error().Err(err).Float64("take_profit", o.TakeProfit).Msg("take-profit placement failed after entry")
		}
	}
	s.notifier.NotifyOpen(ctx, o)
}

// IsValidation reports a domain validation failure that blocks an action
// without changing status.
func IsValidation(err error) bool {
	return errors.Is(err, order.ErrInsufficientBalance) ||
		errors.Is(err, order.ErrBelowMinNotional) ||
		errors.Is(err, order.ErrBelowMinQty) ||
		errors.Is(err, order.ErrInvalidOrder)
}
