// Package command implements the user-initiated order operations. Every
// mutation of an existing order runs under its lease.
package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/entry"
	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/internal/notify"
	"spotkeeper/internal/order"
	"spotkeeper/internal/protection"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
	"spotkeeper/pkg/tradingmath"
)

const (
	component = "command"

	holdingEntryInterval = "1m"
	holdingStopInterval  = "1h"
)

// Config tunes the command path.
type Config struct {
	LeaseTTL time.Duration
	// OrderTimeout bounds the exchange calls made by one command.
	OrderTimeout time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{LeaseTTL: order.DefaultLeaseTTL, OrderTimeout: 30 * time.Second}
}

// Intent is a new order request.
type Intent struct {
	Account       db.AccountKey
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	MaxEntry      float64
	TakeProfit    float64
	StopLoss      float64
	EntryInterval string
	StopInterval  string
}

// Validate checks the price ladder of the intent.
func (in Intent) Validate() error {
	if in.Account.UserID == "" {
		return db.ErrUserIDRequired
	}
	if strings.TrimSpace(in.Symbol) == "" || in.EntryInterval == "" {
		return fmt.Errorf("%w: symbol and entry interval are required", order.ErrInvalidOrder)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", order.ErrInvalidOrder)
	}
	if !(in.StopLoss < in.EntryPrice && in.EntryPrice < in.TakeProfit) {
		return fmt.Errorf("%w: must be stop loss < entry price < take profit", order.ErrInvalidOrder)
	}
	if in.MaxEntry < in.EntryPrice {
		return fmt.Errorf("%w: max entry must be >= entry price", order.ErrInvalidOrder)
	}
	return nil
}

// Holding adopts base asset the account already owns.
type Holding struct {
	Account      db.AccountKey
	Symbol       string
	Quantity     float64
	EntryPrice   float64
	TakeProfit   float64 // 0 = no protective order
	StopLoss     float64 // 0 = no stop
	StopInterval string
}

func (h Holding) validate() error {
	if h.Account.UserID == "" {
		return db.ErrUserIDRequired
	}
	if strings.TrimSpace(h.Symbol) == "" || h.Quantity <= 0 || h.EntryPrice <= 0 {
		return fmt.Errorf("%w: symbol, quantity and entry price are required", order.ErrInvalidOrder)
	}
	if h.TakeProfit > 0 && h.StopLoss >= h.TakeProfit {
		return fmt.Errorf("%w: stop loss must be below take profit", order.ErrInvalidOrder)
	}
	return nil
}

// Service executes commands against the order store and the exchanges.
type Service struct {
	store    *order.Store
	adapters gateway.Provider
	entries  *entry.Scheduler
	protect  *protection.Manager
	notifier notify.Notifier
	metrics  *monitor.Metrics
	cfg      Config
	now      order.Clock
	log      zerolog.Logger
}

// New creates a Service. entries executes Market intents.
func New(store *order.Store, adapters gateway.Provider, entries *entry.Scheduler, protect *protection.Manager,
	notifier notify.Notifier, metrics *monitor.Metrics, cfg Config, now order.Clock, log zerolog.Logger) *Service {
	def := DefaultConfig()
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
	return &Service{
		store:    store,
		adapters: adapters,
		entries:  entries,
		protect:  protect,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, component),
	}
}

func (s *Service) orderLog(o *order.Order) *zerolog.Logger {
	l := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
	return &l
}

// timeout detaches ctx from the caller so a disconnect cannot abandon an
// exchange call halfway through a command.
func (s *Service) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OrderTimeout)
}

// CreateOrder stores a new PENDING intent. Market intents are bought
// immediately; a failed market buy leaves the order CANCELLED and returns
// the error.
func (s *Service) CreateOrder(ctx context.Context, in Intent) (*order.Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	ex, err := s.adapters.Get(ctx, in.Account)
	if err != nil {
		return nil, err
	}
	market := strings.EqualFold(in.EntryInterval, order.IntervalMarket)
	if !market {
		if err := s.checkLastCandle(ctx, ex, in); err != nil {
			return nil, err
		}
	}

	o := &order.Order{
		UserID:        in.Account.UserID,
		ExchangeID:    in.Account.ExchangeID,
		Testnet:       in.Account.Testnet,
		Symbol:        in.Symbol,
		Quantity:      in.Quantity,
		EntryPrice:    in.EntryPrice,
		MaxEntry:      in.MaxEntry,
		TakeProfit:    in.TakeProfit,
		StopLoss:      in.StopLoss,
		EntryInterval: in.EntryInterval,
		StopInterval:  in.StopInterval,
		CreatedAt:     s.now(),
		Status:        order.StatusPending,
	}
	if _, err := s.store.Insert(ctx, o); err != nil {
		return nil, err
	}
	log := s.orderLog(o)
	log.Info().Str("entry_interval", o.EntryInterval).Msg("order created")
	if !market {
		return s.store.Get(ctx, o.ID)
	}

	err = s.store.WithLease(ctx, o.ID, component, s.cfg.LeaseTTL, func(ctx context.Context) error {
		ref, err := ex.GetSymbolPrice(ctx, o.Symbol)
		if err != nil || ref <= 0 {
			ref = o.EntryPrice
		}
		execErr := s.entries.Execute(ctx, ex, o, ref)
		if execErr == nil || o.EntryOrderID != "" {
			return execErr
		}
		now := s.now()
		if err := s.store.Transition(ctx, o.ID, order.StatusCancelled, order.Update{ClosedAt: order.Time(now)}); err != nil {
			log.Error().Err(err).Msg("cancel after failed market buy")
		} else {
			o.Status, o.ClosedAt = order.StatusCancelled, now
			s.metrics.IncTransition(string(o.Status), component)
		}
		return execErr
	})
	if err != nil {
		log.Warn().Err(err).Msg("market order failed")
		return o, fmt.Errorf("market order failed: %w", err)
	}
	return s.store.Get(ctx, o.ID)
}

// checkLastCandle refuses an intent whose take-profit the market already
// traded through. A failed candle read does not block the order.
func (s *Service) checkLastCandle(ctx context.Context, ex common.Adapter, in Intent) error {
	candles, err := ex.GetKlines(ctx, in.Symbol, in.EntryInterval, 2)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", in.Symbol).Msg("last candle check skipped")
		return nil
	}
	c, ok := common.LastClosedCandle(candles, s.now())
	if ok && c.Close >= in.TakeProfit {
		return fmt.Errorf("%w: previous %s candle (%s) >= take profit", order.ErrInvalidOrder,
			in.EntryInterval, tradingmath.Canonical(c.Close))
	}
	return nil
}

// CancelPending cancels an intent that has not been bought yet.
func (s *Service) CancelPending(ctx context.Context, userID string, id int64) (*order.Order, error) {
	o, err := s.store.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusPending {
		return nil, fmt.Errorf("%w: only PENDING orders can be cancelled, order is %s", order.ErrIllegalTransition, o.Status)
	}
	if o.EntryOrderID != "" {
		return nil, fmt.Errorf("%w: entry order %s was already sent", order.ErrIllegalTransition, o.EntryOrderID)
	}
	err = s.store.WithLease(ctx, id, component, s.cfg.LeaseTTL, func(ctx context.Context) error {
		return s.store.Transition(ctx, id, order.StatusCancelled, order.Update{ClosedAt: order.Time(s.now())})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(order.StatusCancelled), component)
	s.orderLog(o).Info().Msg("pending order cancelled")
	return s.store.Get(ctx, id)
}

// Close sells what is left of an open position at market and marks it
// CLOSED_MANUAL. When nothing sellable remains it is CLOSED_EXTERNALLY.
func (s *Service) Close(ctx context.Context, userID string, id int64) (*order.Order, error) {
	o, err := s.openOrder(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return nil, err
	}

	err = s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		return s.close(ctx, ex, fresh)
	})
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) close(ctx context.Context, ex common.Adapter, o *order.Order) error {
	log := s.orderLog(o)
	base := order.BaseAsset(o.Symbol)

	// only this row's protection is released; sibling rows keep theirs
	prev := protection.Target{Qty: o.Quantity, Price: o.TakeProfit}
	if err := s.protect.Clear(ctx, ex, o, prev); err != nil {
		return err
	}

	free, err := ex.GetBalance(ctx, base)
	if err != nil {
		return fmt.Errorf("%s balance: %w", base, err)
	}
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}
	info = info.WithDefaults()
	now := s.now()

	if free < info.StepSize {
		if err := s.store.Transition(ctx, o.ID, order.StatusClosedExternally, order.Update{ClosedAt: order.Time(now)}); err != nil {
			return err
		}
		o.Status, o.ClosedAt = order.StatusClosedExternally, now
		s.metrics.IncTransition(string(o.Status), component)
		log.Info().Float64("free", free).Msg("balance too low, marked as externally closed")
		s.notifier.NotifyClose(ctx, o, "balance too low to close")
		return nil
	}

	qty := tradingmath.FloorToStep(math.Min(o.Quantity, free), info.StepSize)
	res, err := ex.ClosePositionMarket(ctx, o.Symbol, qty)
	if err != nil {
		return fmt.Errorf("market sell: %w", err)
	}
	sold := res.FilledQty()
	if sold <= 0 || sold > qty {
		sold = qty
	}
	err = s.store.Transition(ctx, o.ID, order.StatusClosedManual, order.Update{
		Quantity: order.Float(sold),
		ClosedAt: order.Time(now),
	})
	if err != nil {
		logger.Critical(log).Err(err).Float64("sold", sold).Msg("position sold but order could not be updated")
		return fmt.Errorf("record close: %w", err)
	}
	o.Status, o.Quantity, o.ClosedAt = order.StatusClosedManual, sold, now
	s.metrics.IncTransition(string(o.Status), component)
	log.Info().Float64("sold", sold).Float64("exit_price", res.AvgPrice()).Msg("position closed manually")
	s.notifier.NotifyClose(ctx, o, "closed manually")
	return nil
}

// UpdateProtection moves the take-profit and stop of an open position.
// Setting the stop restarts the stop-loss grace window.
func (s *Service) UpdateProtection(ctx context.Context, userID string, id int64, tp, sl float64) (*order.Order, error) {
	if tp <= 0 || sl < 0 || (sl > 0 && sl >= tp) {
		return nil, fmt.Errorf("%w: need 0 <= stop loss < take profit", order.ErrInvalidOrder)
	}
	o, err := s.openOrder(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return nil, err
	}

	err = s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		if fresh.TPOrderID == "" || tp != fresh.TakeProfit {
			prev := protection.Target{Qty: fresh.Quantity, Price: fresh.TakeProfit}
			if _, err := s.protect.Replace(ctx, ex, fresh, prev, protection.Target{Qty: fresh.Quantity, Price: tp}); err != nil {
				return err
			}
		}
		return s.store.Patch(ctx, fresh.ID, order.Update{
			TakeProfit:  order.Float(tp),
			StopLoss:    order.Float(sl),
			SLUpdatedAt: order.Time(s.now()),
		}, order.OpenStatuses...)
	})
	if err != nil {
		return nil, err
	}
	s.orderLog(o).Info().Float64("take_profit", tp).Float64("stop_loss", sl).Msg("protection updated")
	return s.store.Get(ctx, id)
}

// Split divides an executed position into two take-profit legs. The
// original row keeps firstQty at firstTP; a new row tracks the rest.
func (s *Service) Split(ctx context.Context, userID string, id int64, firstQty, firstTP, secondTP float64) (*order.Order, *order.Order, error) {
	if firstQty <= 0 || firstTP <= 0 || secondTP <= 0 {
		return nil, nil, fmt.Errorf("%w: split needs a positive quantity and two prices", order.ErrInvalidOrder)
	}
	o, err := s.store.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	if o.Status != order.StatusExecuted {
		return nil, nil, fmt.Errorf("%w: only EXECUTED orders can be split, order is %s", order.ErrIllegalTransition, o.Status)
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return nil, nil, err
	}

	var second *order.Order
	err = s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		if fresh.Status != order.StatusExecuted {
			return order.ErrConflict
		}
		info, err := ex.GetSymbolInfo(ctx, fresh.Symbol)
		if err != nil {
			return fmt.Errorf("symbol info: %w", err)
		}
		info = info.WithDefaults()
		q1 := tradingmath.FloorToStep(firstQty, info.StepSize)
		q2 := tradingmath.FloorToStep(fresh.Quantity-q1, info.StepSize)
		if q1 <= 0 || q2 <= 0 {
			return fmt.Errorf("%w: first part %s must be below the position %s", order.ErrInvalidOrder,
				tradingmath.Canonical(firstQty), tradingmath.Canonical(fresh.Quantity))
		}

		prev := protection.Target{Qty: fresh.Quantity, Price: fresh.TakeProfit}
		_, id2, err := s.protect.Split(ctx, ex, fresh, prev,
			protection.Target{Qty: q1, Price: firstTP}, protection.Target{Qty: q2, Price: secondTP})
		if err != nil {
			return err
		}
		log := s.orderLog(fresh)
		if err := s.store.Patch(ctx, fresh.ID, order.Update{
			Quantity:   order.Float(q1),
			TakeProfit: order.Float(firstTP),
		}, order.StatusExecuted); err != nil {
			logger.Critical(log).Err(err).Str("second_tp_order_id", id2).Msg("split placed but original row not updated")
			return fmt.Errorf("record split: %w", err)
		}

		second = &order.Order{
			UserID:        fresh.UserID,
			ExchangeID:    fresh.ExchangeID,
			Testnet:       fresh.Testnet,
			Symbol:        fresh.Symbol,
			Side:          fresh.Side,
			Quantity:      q2,
			EntryPrice:    fresh.EntryPrice,
			MaxEntry:      fresh.MaxEntry,
			TakeProfit:    secondTP,
			StopLoss:      fresh.StopLoss,
			EntryInterval: fresh.EntryInterval,
			StopInterval:  fresh.StopInterval,
			ExecutedPrice: fresh.ExecutedPrice,
			ExecutedAt:    fresh.ExecutedAt,
			SLUpdatedAt:   fresh.SLUpdatedAt,
			TPOrderID:     id2,
			Status:        order.StatusExecuted,
		}
		if _, err := s.store.Insert(ctx, second); err != nil {
			logger.Critical(log).Err(err).Str("second_tp_order_id", id2).Msg("second split leg is untracked")
			return fmt.Errorf("insert second part: %w", err)
		}
		log.Info().Int64("second_order_id", second.ID).Float64("first_qty", q1).Float64("second_qty", q2).
			Msg("position split")
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	first, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	second, err = s.store.Get(ctx, second.ID)
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

// CreateFromHolding starts tracking base asset the account already holds as
// an EXECUTED order, optionally protected by a take-profit.
func (s *Service) CreateFromHolding(ctx context.Context, h Holding) (*order.Order, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	ex, err := s.adapters.Get(ctx, h.Account)
	if err != nil {
		return nil, err
	}

	info, err := ex.GetSymbolInfo(ctx, h.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info: %w", err)
	}
	info = info.WithDefaults()
	base := order.BaseAsset(h.Symbol)
	free, err := ex.GetBalance(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%s balance: %w", base, err)
	}
	if free < info.MinQty {
		return nil, fmt.Errorf("%w: have %s %s, need at least %s", order.ErrInsufficientBalance,
			tradingmath.Canonical(free), base, tradingmath.Canonical(info.MinQty))
	}
	qty := tradingmath.FloorToStep(math.Min(h.Quantity, free), info.StepSize)
	if qty <= 0 || qty < info.MinQty {
		return nil, fmt.Errorf("%w: %s < %s", order.ErrBelowMinQty, tradingmath.Canonical(qty), tradingmath.Canonical(info.MinQty))
	}

	var tpID string
	tp := h.TakeProfit
	if tp > 0 {
		target, id, err := s.protect.Create(ctx, ex, h.Symbol, protection.Target{Qty: qty, Price: tp})
		if err != nil {
			return nil, fmt.Errorf("place take-profit: %w", err)
		}
		tpID, tp = id, target.Price
	}

	stopInterval := h.StopInterval
	if stopInterval == "" {
		stopInterval = holdingStopInterval
	}
	now := s.now()
	o := &order.Order{
		UserID:        h.Account.UserID,
		ExchangeID:    h.Account.ExchangeID,
		Testnet:       h.Account.Testnet,
		Symbol:        h.Symbol,
		Quantity:      qty,
		EntryPrice:    h.EntryPrice,
		MaxEntry:      h.EntryPrice,
		TakeProfit:    tp,
		StopLoss:      h.StopLoss,
		EntryInterval: holdingEntryInterval,
		StopInterval:  stopInterval,
		ExecutedPrice: h.EntryPrice,
		ExecutedAt:    now,
		SLUpdatedAt:   now,
		CreatedAt:     now,
		TPOrderID:     tpID,
		Status:        order.StatusExecuted,
	}
	if _, err := s.store.Insert(ctx, o); err != nil {
		if tpID != "" {
			if cerr := ex.CancelOrder(ctx, h.Symbol, tpID); cerr != nil && !errors.Is(cerr, common.ErrUnknownOrder) {
				logger.Critical(&s.log).Err(cerr).Str("symbol", h.Symbol).Str("tp_order_id", tpID).
					Msg("holding not stored and its take-profit could not be cancelled")
			}
		}
		return nil, err
	}
	s.metrics.IncTransition(string(o.Status), component)
	s.orderLog(o).Info().Float64("quantity", qty).Str("tp_order_id", tpID).Msg("holding tracked")

	stored, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyOpen(ctx, stored)
	return stored, nil
}

func (s *Service) openOrder(ctx context.Context, userID string, id int64) (*order.Order, error) {
	o, err := s.store.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen(o.Status) {
		return nil, fmt.Errorf("%w: order is %s", order.ErrIllegalTransition, o.Status)
	}
	return o, nil
}

// mutate runs fn on a fresh copy of o under its lease. The order must still
// be open.
func (s *Service) mutate(ctx context.Context, o *order.Order, fn func(ctx context.Context, fresh *order.Order) error) error {
	return s.store.WithLease(ctx, o.ID, component, s.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := s.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if !order.IsOpen(fresh.Status) {
			return order.ErrConflict
		}
		return fn(ctx, fresh)
	})
}
