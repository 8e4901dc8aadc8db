package stream

import (
	"context"
	"errors"
	"fmt"
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

// RouterConfig tunes event handling.
type RouterConfig struct {
	// FillThreshold promotes a partially filled buy to EXECUTED.
	FillThreshold float64
	LeaseTTL      time.Duration
	// HandleTimeout bounds the exchange calls made for one event.
	HandleTimeout time.Duration
}

// DefaultRouterConfig returns the production tuning.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{FillThreshold: 0.99, LeaseTTL: order.DefaultLeaseTTL, HandleTimeout: 30 * time.Second}
}

// Result of handling one event.
type Result string

const (
	ResultIgnored   Result = "ignored"
	ResultClosedTP  Result = "closed_tp"
	ResultCancelled Result = "protection_cancelled"
	ResultResized   Result = "resized"
	ResultPromoted  Result = "promoted"
)

// Router applies push events to the order store. Every handler re-reads the
// row under a lease and no-ops when the event no longer matches it.
type Router struct {
	store    *order.Store
	adapters gateway.Provider
	protect  *protection.Manager
	notifier notify.Notifier
	metrics  *monitor.Metrics
	cfg      RouterConfig
	now      order.Clock
	log      zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(store *order.Store, adapters gateway.Provider, protect *protection.Manager, notifier notify.Notifier,
	metrics *monitor.Metrics, cfg RouterConfig, now order.Clock, log zerolog.Logger) *Router {
	def := DefaultRouterConfig()
	if cfg.FillThreshold <= 0 {
		cfg.FillThreshold = def.FillThreshold
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = def.HandleTimeout
	}
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	return &Router{
		store:    store,
		adapters: adapters,
		protect:  protect,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, "router"),
	}
}

// Run handles events until ctx is done or events is closed.
func (r *Router) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.HandleTimeout)
			if _, err := r.Handle(hctx, ev); err != nil {
				r.log.Error().Err(err).Str("exchange", ev.Exchange).Str("exchange_order_id", ev.OrderID).
					Str("status", string(ev.Status)).Str("user_id", ev.UserID).Msg("push event handling failed")
			}
			cancel()
		}
	}
}

// Handle applies one event.
func (r *Router) Handle(ctx context.Context, ev Event) (Result, error) {
	r.metrics.IncStreamEvent(ev.Exchange, string(ev.Status))
	var (
		res Result
		err error
	)
	switch ev.Side {
	case common.SideSell:
		res, err = r.handleSell(ctx, ev)
	case common.SideBuy:
		res, err = r.handleBuy(ctx, ev)
	default:
		return ResultIgnored, nil
	}
	if order.IsSkippable(err) || errors.Is(err, order.ErrNotFound) {
		return ResultIgnored, nil
	}
	return res, err
}

func (r *Router) handleSell(ctx context.Context, ev Event) (Result, error) {
	if ev.Status != common.StatusFilled && ev.Status != common.StatusCanceled {
		return ResultIgnored, nil
	}
	o, err := r.store.FindByTPOrderID(ctx, ev.Key(), ev.OrderID)
	if err != nil {
		return ResultIgnored, err
	}
	if o.LeaseActive(r.now()) {
		return ResultIgnored, nil
	}

	res := ResultIgnored
	err = r.store.WithLease(ctx, o.ID, "stream", r.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := r.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if fresh.TPOrderID == "" || fresh.TPOrderID != ev.OrderID || !order.IsOpen(fresh.Status) {
			return order.ErrConflict
		}
		log := r.log.With().Int64("order_id", fresh.ID).Str("symbol", fresh.Symbol).Str("user_id", fresh.UserID).
			Str("tp_order_id", ev.OrderID).Logger()

		to := order.StatusClosedTP
		if ev.Status == common.StatusCanceled {
			to = order.StatusClosedExternally
		}
		now := r.now()
		if err := r.store.Transition(ctx, fresh.ID, to, order.Update{TPOrderID: order.ClearTP(), ClosedAt: order.Time(now)}); err != nil {
			return err
		}
		fresh.Status, fresh.TPOrderID, fresh.ClosedAt = to, "", now
		r.metrics.IncTransition(string(to), "stream")

		if to == order.StatusClosedTP {
			res = ResultClosedTP
			log.Info().Float64("price", ev.Price).Msg("take-profit filled")
			r.notifier.NotifyTpHit(ctx, fresh, ev.Price)
			return nil
		}
		res = ResultCancelled
		log.Info().Msg("protective order cancelled on the exchange")
		r.notifier.NotifyTpCancelled(ctx, fresh)
		return nil
	})
	return res, err
}

func (r *Router) handleBuy(ctx context.Context, ev Event) (Result, error) {
	if ev.Status != common.StatusPartiallyFilled && ev.Status != common.StatusFilled {
		return ResultIgnored, nil
	}
	o, err := r.store.FindByEntryOrderID(ctx, ev.Key(), ev.OrderID)
	if err != nil {
		return ResultIgnored, err
	}
	if o.Status != order.StatusPartialFilled || o.LeaseActive(r.now()) {
		return ResultIgnored, nil
	}
	ex, err := r.adapters.Get(ctx, o.Key())
	if err != nil {
		return ResultIgnored, err
	}

	res := ResultIgnored
	err = r.store.WithLease(ctx, o.ID, "stream", r.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := r.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if fresh.Status != order.StatusPartialFilled || fresh.EntryOrderID != ev.OrderID {
			return order.ErrConflict
		}
		info, err := ex.GetSymbolInfo(ctx, fresh.Symbol)
		if err != nil {
			return fmt.Errorf("symbol info: %w", err)
		}
		filled := tradingmath.FloorToStep(ev.FilledQuantity, info.WithDefaults().StepSize)
		if filled <= fresh.Quantity {
			return nil
		}
		log := r.log.With().Int64("order_id", fresh.ID).Str("symbol", fresh.Symbol).Str("user_id", fresh.UserID).Logger()

		price := fresh.ExecutedPrice
		if ev.Price > 0 {
			price = (fresh.Quantity*fresh.ExecutedPrice + (filled-fresh.Quantity)*ev.Price) / filled
		}
		upd := order.Update{Quantity: order.Float(filled), ExecutedPrice: order.Float(price)}
		prev := protection.Target{Qty: fresh.Quantity, Price: fresh.TakeProfit}

		promote := ev.Status == common.StatusFilled || (ev.Quantity > 0 && filled >= ev.Quantity*r.cfg.FillThreshold)
		if promote {
			err = r.store.Transition(ctx, fresh.ID, order.StatusExecuted, upd)
		} else {
			err = r.store.Patch(ctx, fresh.ID, upd, order.StatusPartialFilled)
		}
		if err != nil {
			return err
		}
		fresh.Quantity, fresh.ExecutedPrice = filled, price
		res = ResultResized
		if promote {
			fresh.Status = order.StatusExecuted
			res = ResultPromoted
			r.metrics.IncTransition(string(order.StatusExecuted), "stream")
		}
		log.Info().Float64("filled", filled).Bool("promoted", promote).Msg("entry fill update")

		if fresh.TakeProfit <= 0 {
			return nil
		}
		if _, err := r.protect.Replace(ctx, ex, fresh, prev, protection.Target{Qty: filled, Price: fresh.TakeProfit}); err != nil {
			if protection.IsBelowMinimum(err) {
				log.Warn().Err(err).Msg("protection left at previous size")
				return nil
			}
			return fmt.Errorf("resize protection: %w", err)
		}
		return nil
	})
	return res, err
}
