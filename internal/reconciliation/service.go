// Package reconciliation compares executed orders with the exchange's view of
// the account and resolves drift by state transitions.
package reconciliation

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

// Balance ratios that classify an external change of the position.
const (
	goneRatio       = 0.01
	partialMinRatio = 0.05
	partialMaxRatio = 0.95
	tpFillRatio     = 0.5
)

// Config tunes the reconciler.
type Config struct {
	// MinAge defers balance based checks right after execution to absorb
	// settlement lag.
	MinAge         time.Duration
	QtyTolerance   float64
	PriceTolerance float64
	// MarkMismatch moves unresolvable orders to MISMATCH_BINANCE instead of
	// only logging them.
	MarkMismatch  bool
	TradeLookback int
	LeaseTTL      time.Duration
	OrderTimeout  time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MinAge:         2 * time.Minute,
		QtyTolerance:   0.01,
		PriceTolerance: 0.005,
		MarkMismatch:   true,
		TradeLookback:  50,
		LeaseTTL:       order.DefaultLeaseTTL,
		OrderTimeout:   30 * time.Second,
	}
}

// Outcome describes what reconciliation did with one order.
type Outcome string

const (
	OutcomeInSync              Outcome = "in_sync"
	OutcomeSettling            Outcome = "settling"
	OutcomeClosedExternally    Outcome = "closed_externally"
	OutcomeResized             Outcome = "resized"
	OutcomeUnprotected         Outcome = "unprotected"
	OutcomeProtectionCancelled Outcome = "protection_cancelled"
	OutcomeClosedTP            Outcome = "closed_tp"
	OutcomeReprotected         Outcome = "reprotected"
	OutcomeMismatch            Outcome = "mismatch"
	OutcomeMismatchUnmarked    Outcome = "mismatch_unmarked"
	OutcomeSkipped             Outcome = "skipped"
	OutcomeFailed              Outcome = "failed"
)

// Result is the outcome for one order.
type Result struct {
	OrderID int64
	Symbol  string
	Outcome Outcome
	Err     error
}

// Report summarizes one pass.
type Report struct {
	Timestamp time.Time
	Checked   int
	Changed   int
	Skipped   int
	Failed    int
	Results   []Result
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	case OutcomeInSync, OutcomeSettling, OutcomeMismatchUnmarked:
	default:
		r.Changed++
	}
}

// Service performs reconciliation passes.
type Service struct {
	store    *order.Store
	adapters gateway.Provider
	protect  *protection.Manager
	notifier notify.Notifier
	metrics  *monitor.Metrics
	cfg      Config
	now      order.Clock
	log      zerolog.Logger
}

// NewService creates a reconciliation service.
func NewService(store *order.Store, adapters gateway.Provider, protect *protection.Manager, notifier notify.Notifier,
	metrics *monitor.Metrics, cfg Config, now order.Clock, log zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MinAge < 0 {
		cfg.MinAge = def.MinAge
	}
	if cfg.QtyTolerance <= 0 {
		cfg.QtyTolerance = def.QtyTolerance
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = def.PriceTolerance
	}
	if cfg.TradeLookback <= 0 {
		cfg.TradeLookback = def.TradeLookback
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
	return &Service{
		store:    store,
		adapters: adapters,
		protect:  protect,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, "reconciliation"),
	}
}

// Reconcile runs the full check on every open order.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	return s.run(ctx, s.reconcileOrder, false)
}

// ProtectionCheck only looks for protective orders that vanished from the
// exchange.
func (s *Service) ProtectionCheck(ctx context.Context) (*Report, error) {
	return s.run(ctx, s.checkProtection, true)
}

type checkFunc func(ctx context.Context, ex common.Adapter, o *order.Order) (Outcome, error)

func (s *Service) run(ctx context.Context, check checkFunc, protectedOnly bool) (*Report, error) {
	report := &Report{Timestamp: s.now()}
	open, err := s.store.ListByStatus(ctx, order.OpenStatuses...)
	if err != nil {
		return report, err
	}
	for _, o := range open {
		if protectedOnly && o.TPOrderID == "" {
			continue
		}
		if o.LeaseActive(s.now()) {
			report.add(Result{OrderID: o.ID, Symbol: o.Symbol, Outcome: OutcomeSkipped})
			continue
		}
		report.Checked++

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OrderTimeout)
		outcome, err := s.checkOne(octx, o, check)
		cancel()

		res := Result{OrderID: o.ID, Symbol: o.Symbol, Outcome: outcome}
		switch {
		case order.IsSkippable(err):
			res.Outcome = OutcomeSkipped
		case err != nil:
			res.Outcome, res.Err = OutcomeFailed, err
			log := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
			if common.IsTransient(err) {
				log.Warn().Err(err).Msg("reconciliation failed, retrying next pass")
			} else {
				log.Error().Err(err).Msg("reconciliation failed")
			}
		}
		report.add(res)
	}
	return report, nil
}

func (s *Service) checkOne(ctx context.Context, o *order.Order, check checkFunc) (Outcome, error) {
	ex, err := s.adapters.Get(ctx, o.Key())
	if err != nil {
		return OutcomeFailed, err
	}
	return check(ctx, ex, o)
}

// snapshot is the exchange state relevant to one order.
type snapshot struct {
	sells []common.OpenOrder
	info  common.SymbolInfo
	total float64
}

func (s *Service) observe(ctx context.Context, ex common.Adapter, o *order.Order) (snapshot, error) {
	var snap snapshot
	open, err := ex.GetOpenOrders(ctx, o.Symbol)
	if err != nil {
		return snap, fmt.Errorf("open orders: %w", err)
	}
	for _, oo := range open {
		if oo.Side == common.SideSell {
			snap.sells = append(snap.sells, oo)
		}
	}
	bal, err := ex.GetAssetBalanceDetail(ctx, order.BaseAsset(o.Symbol))
	if err != nil {
		return snap, fmt.Errorf("base balance: %w", err)
	}
	snap.total = bal.Total()
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return snap, fmt.Errorf("symbol info: %w", err)
	}
	snap.info = info.WithDefaults()
	return snap, nil
}

func (s *Service) reconcileOrder(ctx context.Context, ex common.Adapter, o *order.Order) (Outcome, error) {
	snap, err := s.observe(ctx, ex, o)
	if err != nil {
		return OutcomeFailed, err
	}
	settling := s.age(o) < s.cfg.MinAge

	if o.Quantity <= 0 || snap.total <= snap.info.MinQty || snap.total <= goneRatio*o.Quantity {
		if settling {
			return OutcomeSettling, nil
		}
		if !common.HasOpenSell(snap.sells) {
			fill, ok, err := s.findTPFill(ctx, ex, o)
			if err != nil {
				return OutcomeFailed, err
			}
			if ok {
				return s.closeTP(ctx, o, fill)
			}
		}
		return s.closeExternally(ctx, o)
	}

	ratio := snap.total / o.Quantity
	if !settling && ratio >= partialMinRatio && ratio <= partialMaxRatio {
		return s.resize(ctx, ex, o, snap)
	}

	if o.TPOrderID != "" {
		if _, ok := common.FindOpenOrder(snap.sells, o.TPOrderID); ok {
			return OutcomeInSync, nil
		}
		return s.protectionVanished(ctx, ex, o)
	}
	if common.HasOpenSell(snap.sells) || settling {
		return OutcomeInSync, nil
	}

	if ratio < tpFillRatio {
		fill, ok, err := s.findTPFill(ctx, ex, o)
		if err != nil {
			return OutcomeFailed, err
		}
		if ok {
			return s.closeTP(ctx, o, fill)
		}
		return s.mismatch(ctx, o, snap)
	}
	if o.TakeProfit > 0 {
		return s.reprotect(ctx, ex, o)
	}
	return OutcomeInSync, nil
}

func (s *Service) checkProtection(ctx context.Context, ex common.Adapter, o *order.Order) (Outcome, error) {
	open, err := ex.GetOpenOrders(ctx, o.Symbol)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("open orders: %w", err)
	}
	if _, ok := common.FindOpenOrder(open, o.TPOrderID); ok {
		return OutcomeInSync, nil
	}
	return s.protectionVanished(ctx, ex, o)
}

func (s *Service) age(o *order.Order) time.Duration {
	ref := o.ExecutedAt
	if ref.IsZero() {
		ref = o.CreatedAt
	}
	return s.now().Sub(ref)
}

// mutate runs fn under a lease on o after confirming the row did not change
// since it was observed.
func (s *Service) mutate(ctx context.Context, o *order.Order, fn func(ctx context.Context, fresh *order.Order) error) error {
	return s.store.WithLease(ctx, o.ID, "reconcile", s.cfg.LeaseTTL, func(ctx context.Context) error {
		fresh, err := s.store.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		if !order.IsOpen(fresh.Status) || fresh.TPOrderID != o.TPOrderID || fresh.Quantity != o.Quantity {
			return order.ErrConflict
		}
		return fn(ctx, fresh)
	})
}

func (s *Service) transition(ctx context.Context, o *order.Order, to order.Status, upd order.Update) error {
	now := s.now()
	upd.TPOrderID = order.ClearTP()
	upd.ClosedAt = order.Time(now)
	if err := s.store.Transition(ctx, o.ID, to, upd); err != nil {
		return err
	}
	o.Status, o.TPOrderID, o.ClosedAt = to, "", now
	s.metrics.IncTransition(string(to), "reconcile")
	return nil
}

func (s *Service) orderLog(o *order.Order) *zerolog.Logger {
	l := s.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
	return &l
}

func (s *Service) closeExternally(ctx context.Context, o *order.Order) (Outcome, error) {
	err := s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		if err := s.transition(ctx, fresh, order.StatusClosedExternally, order.Update{}); err != nil {
			return err
		}
		s.orderLog(fresh).Info().Msg("position closed outside the engine")
		s.notifier.NotifyClose(ctx, fresh, "position closed on the exchange")
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeClosedExternally, nil
}

func (s *Service) resize(ctx context.Context, ex common.Adapter, o *order.Order, snap snapshot) (Outcome, error) {
	qty := tradingmath.FloorToStep(snap.total, snap.info.StepSize)
	outcome := OutcomeResized
	err := s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		log := s.orderLog(fresh)
		prev := protection.Target{Qty: fresh.Quantity, Price: fresh.TakeProfit}
		if err := s.store.Patch(ctx, fresh.ID, order.Update{Quantity: order.Float(qty)}, order.OpenStatuses...); err != nil {
			return err
		}
		log.Info().Float64("previous_qty", fresh.Quantity).Float64("qty", qty).Msg("position partially sold outside the engine")
		fresh.Quantity = qty

		if fresh.TakeProfit <= 0 {
			return nil
		}
		_, err := s.protect.Replace(ctx, ex, fresh, prev, protection.Target{Qty: qty, Price: fresh.TakeProfit})
		if protection.IsBelowMinimum(err) {
			outcome = OutcomeUnprotected
			if err := s.protect.Clear(ctx, ex, fresh, prev); err != nil {
				return err
			}
			log.Warn().Float64("qty", qty).Msg("remaining position below exchange minimum, left unprotected")
			return nil
		}
		return err
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (s *Service) protectionVanished(ctx context.Context, ex common.Adapter, o *order.Order) (Outcome, error) {
	fill, ok, err := s.findTPFill(ctx, ex, o)
	if err != nil {
		return OutcomeFailed, err
	}
	if ok && fill.orderID == o.TPOrderID {
		return s.closeTP(ctx, o, fill)
	}
	err = s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		tpID := fresh.TPOrderID
		if err := s.transition(ctx, fresh, order.StatusClosedExternally, order.Update{}); err != nil {
			return err
		}
		s.orderLog(fresh).Info().Str("tp_order_id", tpID).Msg("protective order cancelled outside the engine")
		s.notifier.NotifyTpCancelled(ctx, fresh)
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProtectionCancelled, nil
}

func (s *Service) closeTP(ctx context.Context, o *order.Order, fill tpFill) (Outcome, error) {
	err := s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		if err := s.transition(ctx, fresh, order.StatusClosedTP, order.Update{}); err != nil {
			return err
		}
		s.orderLog(fresh).Info().Str("fill_order_id", fill.orderID).Float64("price", fill.price).
			Msg("take-profit fill confirmed from trade history")
		s.notifier.NotifyTpHit(ctx, fresh, fill.price)
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeClosedTP, nil
}

func (s *Service) reprotect(ctx context.Context, ex common.Adapter, o *order.Order) (Outcome, error) {
	outcome := OutcomeReprotected
	err := s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		id, err := s.protect.Place(ctx, ex, fresh, protection.Target{Qty: fresh.Quantity, Price: fresh.TakeProfit})
		if protection.IsBelowMinimum(err) {
			outcome = OutcomeInSync
			return nil
		}
		if err != nil {
			return err
		}
		s.orderLog(fresh).Info().Str("tp_order_id", id).Msg("missing protection placed")
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (s *Service) mismatch(ctx context.Context, o *order.Order, snap snapshot) (Outcome, error) {
	log := s.orderLog(o)
	if o.Status != order.StatusExecuted {
		return OutcomeInSync, nil
	}
	if !s.cfg.MarkMismatch {
		log.Warn().Float64("balance", snap.total).Float64("qty", o.Quantity).
			Msg("executed order has no protection, no position and no matching trade")
		return OutcomeMismatchUnmarked, nil
	}
	err := s.mutate(ctx, o, func(ctx context.Context, fresh *order.Order) error {
		if err := s.transition(ctx, fresh, order.StatusMismatch, order.Update{}); err != nil {
			return err
		}
		log.Warn().Float64("balance", snap.total).Float64("qty", fresh.Quantity).Msg("order marked for review")
		s.notifier.NotifyClose(ctx, fresh, "position not found on the exchange, marked for review")
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeMismatch, nil
}

// tpFill is a sell order reconstructed from trade history.
type tpFill struct {
	orderID string
	qty     float64
	price   float64
}

// findTPFill aggregates recent sell trades per exchange order and returns the
// one that closed o: an exact tp_order_id match, else a fill whose size and
// price match the protection within tolerance.
func (s *Service) findTPFill(ctx context.Context, ex common.Adapter, o *order.Order) (tpFill, bool, error) {
	trades, err := ex.GetRecentTrades(ctx, o.Symbol, s.cfg.TradeLookback)
	if err != nil {
		return tpFill{}, false, fmt.Errorf("recent trades: %w", err)
	}
	var fills []*tpFill
	byID := make(map[string]*tpFill)
	for _, tr := range trades {
		if tr.IsBuy || (!o.ExecutedAt.IsZero() && tr.Time.Before(o.ExecutedAt)) {
			continue
		}
		f, ok := byID[tr.OrderID]
		if !ok {
			f = &tpFill{orderID: tr.OrderID}
			byID[tr.OrderID] = f
			fills = append(fills, f)
		}
		notional := f.qty*f.price + tr.Qty*tr.Price
		f.qty += tr.Qty
		if f.qty > 0 {
			f.price = notional / f.qty
		}
	}
	if o.TPOrderID != "" {
		if f, ok := byID[o.TPOrderID]; ok {
			return *f, true, nil
		}
	}
	if o.TakeProfit <= 0 {
		return tpFill{}, false, nil
	}
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		if near(f.price, o.TakeProfit, s.cfg.PriceTolerance) && near(f.qty, o.Quantity, s.cfg.QtyTolerance) {
			return *f, true, nil
		}
	}
	return tpFill{}, false, nil
}

func near(got, want, tol float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want)/want <= tol
}
