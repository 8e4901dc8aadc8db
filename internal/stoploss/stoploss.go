// Package stoploss closes executed positions at market when a closed candle
// settles at or below the stop.
package stoploss

import (
	"context"
	"fmt"
	"math"
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

// Config tunes the evaluator.
type Config struct {
	// Grace suppresses evaluation right after the stop was (re)set.
	Grace        time.Duration
	LeaseTTL     time.Duration
	OrderTimeout time.Duration
}

// DefaultConfig returns a 60s grace window.
func DefaultConfig() Config {
	return Config{Grace: 60 * time.Second, LeaseTTL: order.DefaultLeaseTTL, OrderTimeout: 30 * time.Second}
}

// Evaluator checks stop-losses on every tick.
type Evaluator struct {
	store    *order.Store
	adapters gateway.Provider
	protect  *protection.Manager
	notifier notify.Notifier
	metrics  *monitor.Metrics
	cfg      Config
	now      order.Clock
	log      zerolog.Logger
}

// New creates an Evaluator.
func New(store *order.Store, adapters gateway.Provider, protect *protection.Manager, notifier notify.Notifier,
	metrics *monitor.Metrics, cfg Config, now order.Clock, log zerolog.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.Grace < 0 {
		cfg.Grace = def.Grace
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
	return &Evaluator{
		store:    store,
		adapters: adapters,
		protect:  protect,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, "stoploss"),
	}
}

// Outcome of one order evaluation.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeGrace    Outcome = "grace"
	OutcomeSold     Outcome = "sold"
	OutcomeExternal Outcome = "closed_externally"
)

// Report summarizes one tick.
type Report struct {
	Timestamp time.Time
	Evaluated int
	Grace     int
	Triggered int
	Skipped   int
	Failed    int
}

// RunOnce evaluates every open order with a stop once, sequentially.
func (e *Evaluator) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{Timestamp: e.now()}
	open, err := e.store.ListByStatus(ctx, order.OpenStatuses...)
	if err != nil {
		return report, err
	}
	for _, o := range open {
		if o.StopLoss <= 0 {
			continue
		}
		if o.LeaseActive(e.now()) {
			report.Skipped++
			continue
		}
		report.Evaluated++

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
		outcome, err := e.Evaluate(octx, o)
		cancel()

		switch {
		case order.IsSkippable(err):
			report.Skipped++
		case err != nil:
			report.Failed++
			e.log.Error().Err(err).Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).
				Msg("stop-loss evaluation failed")
		case outcome == OutcomeGrace:
			report.Grace++
		case outcome == OutcomeSold || outcome == OutcomeExternal:
			report.Triggered++
		}
	}
	return report, nil
}

// Evaluate checks one order and closes it when its stop fired.
func (e *Evaluator) Evaluate(ctx context.Context, o *order.Order) (Outcome, error) {
	now := e.now()
	if !o.SLUpdatedAt.IsZero() && now.Sub(o.SLUpdatedAt) < e.cfg.Grace {
		return OutcomeGrace, nil
	}
	ex, err := e.adapters.Get(ctx, o.Key())
	if err != nil {
		return OutcomeNone, err
	}
	candles, err := ex.GetKlines(ctx, o.Symbol, o.StopIntervalOrDefault(), 2)
	if err != nil {
		return OutcomeNone, fmt.Errorf("klines: %w", err)
	}
	candle, ok := common.LastClosedCandle(candles, now)
	if !ok || !Triggers(o, candle) {
		return OutcomeNone, nil
	}

	outcome := OutcomeNone
	err = e.store.WithLease(ctx, o.ID, "stoploss", e.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := e.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if !order.IsOpen(fresh.Status) {
			return order.ErrConflict
		}
		outcome, err = e.close(ctx, ex, fresh, candle.Close)
		return err
	})
	return outcome, err
}

// Triggers reports whether c fires the stop of o: the close is at or below
// the stop and the candle closed after the stop reference time.
func Triggers(o *order.Order, c common.Candle) bool {
	if o.StopLoss <= 0 || c.Close > o.StopLoss {
		return false
	}
	return c.CloseTime.After(o.SLReference())
}

func (e *Evaluator) close(ctx context.Context, ex common.Adapter, o *order.Order, closePrice float64) (Outcome, error) {
	log := e.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()

	if err := e.protect.Clear(ctx, ex, o, protection.Target{Qty: o.Quantity, Price: o.TakeProfit}); err != nil {
		return OutcomeNone, err
	}

	base := order.BaseAsset(o.Symbol)
	bal, err := ex.GetAssetBalanceDetail(ctx, base)
	if err != nil {
		return OutcomeNone, fmt.Errorf("base balance: %w", err)
	}
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return OutcomeNone, fmt.Errorf("symbol info: %w", err)
	}
	info = info.WithDefaults()
	qty := tradingmath.FloorToStep(math.Min(o.Quantity, bal.Total()), info.StepSize)

	now := e.now()
	if qty <= 0 || qty < info.MinQty || tradingmath.Notional(qty, closePrice) < info.MinNotional {
		err := e.store.Transition(ctx, o.ID, order.StatusClosedExternally, order.Update{
			TPOrderID: order.ClearTP(),
			ClosedAt:  order.Time(now),
		})
		if err != nil {
			return OutcomeNone, err
		}
		o.Status, o.TPOrderID, o.ClosedAt = order.StatusClosedExternally, "", now
		e.metrics.IncTransition(string(o.Status), "stoploss")
		log.Info().Float64("balance", bal.Total()).Msg("stop-loss hit but position already gone")
		e.notifier.NotifyClose(ctx, o, "stop-loss hit with nothing left to sell")
		return OutcomeExternal, nil
	}

	res, err := ex.ClosePositionMarket(ctx, o.Symbol, qty)
	if err != nil {
		return OutcomeNone, fmt.Errorf("market sell: %w", err)
	}
	sold := res.FilledQty()
	if sold <= 0 {
		sold = qty
	}
	exit := res.AvgPrice()
	if exit <= 0 {
		exit = closePrice
	}
	err = e.store.Transition(ctx, o.ID, order.StatusClosedSL, order.Update{
		Quantity:  order.Float(sold),
		TPOrderID: order.ClearTP(),
		ClosedAt:  order.Time(now),
	})
	if err != nil {
		logger.Critical(&log).Err(err).Float64("sold", sold).Msg("stop-loss sold but order could not be updated")
		return OutcomeNone, fmt.Errorf("record stop-loss: %w", err)
	}
	o.Status, o.Quantity, o.TPOrderID, o.ClosedAt = order.StatusClosedSL, sold, "", now
	e.metrics.IncTransition(string(o.Status), "stoploss")
	log.Info().Float64("sold", sold).Float64("exit_price", exit).Msg("stop-loss executed")
	e.notifier.NotifySlHit(ctx, o, exit)
	return OutcomeSold, nil
}
