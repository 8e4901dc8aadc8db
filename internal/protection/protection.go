// Package protection manages the take-profit limit sell that protects an
// executed position.
package protection

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"spotkeeper/internal/monitor"
	"spotkeeper/internal/order"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
	"spotkeeper/pkg/tradingmath"
)

// ErrProtectionLost means the previous protective order was cancelled and
// neither the replacement nor the original could be placed.
var ErrProtectionLost = errors.New("protective order lost")

// ErrPartialProtection means a split stopped halfway: the first part is live
// and tracked, the second part was never placed.
var ErrPartialProtection = errors.New("position only partially protected")

// Target is the size and limit price of a protective sell.
type Target struct {
	Qty   float64
	Price float64
}

// IsZero reports an absent target.
func (t Target) IsZero() bool { return t.Qty <= 0 || t.Price <= 0 }

// Config holds the heuristic match tolerances, as fractions.
type Config struct {
	QtyTolerance   float64
	PriceTolerance float64
}

// DefaultConfig returns 1% quantity and 0.5% price tolerance.
func DefaultConfig() Config {
	return Config{QtyTolerance: 0.01, PriceTolerance: 0.005}
}

// Manager places, replaces, splits and clears protective orders and keeps
// the order's tp_order_id in step with the exchange.
type Manager struct {
	store   *order.Store
	metrics *monitor.Metrics
	cfg     Config
	log     zerolog.Logger
}

// New creates a Manager.
func New(store *order.Store, metrics *monitor.Metrics, cfg Config, log zerolog.Logger) *Manager {
	if cfg.QtyTolerance <= 0 {
		cfg.QtyTolerance = DefaultConfig().QtyTolerance
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = DefaultConfig().PriceTolerance
	}
	return &Manager{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		log:     logger.Component(log, "protection"),
	}
}

// Normalize floors target to the symbol's step and tick and checks the
// exchange minimums.
func Normalize(info common.SymbolInfo, t Target) (Target, error) {
	info = info.WithDefaults()
	out := Target{
		Qty:   tradingmath.FloorToStep(t.Qty, info.StepSize),
		Price: tradingmath.FloorToStep(t.Price, info.TickSize),
	}
	if out.Qty <= 0 || out.Qty < info.MinQty {
		return out, fmt.Errorf("%w: %s qty %s < %s", order.ErrBelowMinQty, info.Symbol,
			tradingmath.Canonical(out.Qty), tradingmath.Canonical(info.MinQty))
	}
	if out.Price <= 0 {
		return out, fmt.Errorf("%w: %s price %v", order.ErrInvalidOrder, info.Symbol, t.Price)
	}
	if n := tradingmath.Notional(out.Qty, out.Price); n < info.MinNotional {
		return out, fmt.Errorf("%w: %s %s < %s", order.ErrBelowMinNotional, info.Symbol,
			tradingmath.Canonical(n), tradingmath.Canonical(info.MinNotional))
	}
	return out, nil
}

// IsBelowMinimum reports a validation failure from Normalize.
func IsBelowMinimum(err error) bool {
	return errors.Is(err, order.ErrBelowMinQty) || errors.Is(err, order.ErrBelowMinNotional)
}

// Place creates a protective sell for o and persists its id.
func (m *Manager) Place(ctx context.Context, ex common.Adapter, o *order.Order, target Target) (string, error) {
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return "", fmt.Errorf("symbol info: %w", err)
	}
	t, err := Normalize(info, target)
	if err != nil {
		return "", err
	}
	id, err := m.create(ctx, ex, o.Symbol, t)
	if err != nil {
		return "", err
	}
	if err := m.persist(ctx, o, id); err != nil {
		return id, err
	}
	return id, nil
}

// Create places a protective sell that no order row tracks yet and returns
// the normalized target with the exchange id. The caller persists the id.
func (m *Manager) Create(ctx context.Context, ex common.Adapter, symbol string, target Target) (Target, string, error) {
	info, err := ex.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return Target{}, "", fmt.Errorf("symbol info: %w", err)
	}
	t, err := Normalize(info, target)
	if err != nil {
		return t, "", err
	}
	id, err := m.create(ctx, ex, symbol, t)
	if err != nil {
		return t, "", err
	}
	return t, id, nil
}

// Replace swaps the protection described by prev for target. The target is
// validated before anything is cancelled. When the new order cannot be
// created the original is recreated; if that fails too the error wraps
// ErrProtectionLost.
func (m *Manager) Replace(ctx context.Context, ex common.Adapter, o *order.Order, prev, target Target) (string, error) {
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return "", fmt.Errorf("symbol info: %w", err)
	}
	t, err := Normalize(info, target)
	if err != nil {
		return "", err
	}

	if err := m.cancelCurrent(ctx, ex, o, prev); err != nil {
		return "", fmt.Errorf("cancel previous protection: %w", err)
	}

	id, createErr := m.create(ctx, ex, o.Symbol, t)
	if createErr == nil {
		return id, m.persist(ctx, o, id)
	}
	if err := m.restore(ctx, ex, o, info, prev, createErr); err != nil {
		return "", err
	}
	return o.TPOrderID, fmt.Errorf("create protection: %w", createErr)
}

// Split replaces prev with two protective orders. On success o carries the
// first id; the second id is returned for the caller to track.
func (m *Manager) Split(ctx context.Context, ex common.Adapter, o *order.Order, prev, first, second Target) (string, string, error) {
	info, err := ex.GetSymbolInfo(ctx, o.Symbol)
	if err != nil {
		return "", "", fmt.Errorf("symbol info: %w", err)
	}
	t1, err := Normalize(info, first)
	if err != nil {
		return "", "", fmt.Errorf("first part: %w", err)
	}
	t2, err := Normalize(info, second)
	if err != nil {
		return "", "", fmt.Errorf("second part: %w", err)
	}

	if err := m.cancelCurrent(ctx, ex, o, prev); err != nil {
		return "", "", fmt.Errorf("cancel previous protection: %w", err)
	}

	id1, err := m.create(ctx, ex, o.Symbol, t1)
	if err != nil {
		if rerr := m.restore(ctx, ex, o, info, prev, err); rerr != nil {
			return "", "", rerr
		}
		return "", "", fmt.Errorf("create first part: %w", err)
	}
	id2, err := m.create(ctx, ex, o.Symbol, t2)
	if err != nil {
		if cerr := ex.CancelOrder(ctx, o.Symbol, id1); cerr != nil && !errors.Is(cerr, common.ErrUnknownOrder) {
			// the original cannot come back while the first part is live; keep it
			logger.Critical(&m.log).Err(cerr).Int64("order_id", o.ID).Str("tp_order_id", id1).
				Msg("split failed and first part could not be cancelled")
			m.metrics.IncRollback(false)
			if perr := m.persist(ctx, o, id1); perr != nil {
				return "", "", fmt.Errorf("%w: second part: %v; persist first part: %v", ErrProtectionLost, err, perr)
			}
			return id1, "", fmt.Errorf("%w: second part: %v; cancel first part: %v", ErrPartialProtection, err, cerr)
		}
		if rerr := m.restore(ctx, ex, o, info, prev, err); rerr != nil {
			return "", "", rerr
		}
		return "", "", fmt.Errorf("create second part: %w", err)
	}
	if err := m.persist(ctx, o, id1); err != nil {
		return id1, id2, err
	}
	return id1, id2, nil
}

// Clear cancels the current protection and persists an empty tp_order_id.
func (m *Manager) Clear(ctx context.Context, ex common.Adapter, o *order.Order, prev Target) error {
	if err := m.cancelCurrent(ctx, ex, o, prev); err != nil {
		return fmt.Errorf("cancel protection: %w", err)
	}
	if o.TPOrderID == "" {
		return nil
	}
	return m.persist(ctx, o, "")
}

// FindHeuristic looks for an open sell matching prev within tolerance.
func (m *Manager) FindHeuristic(ctx context.Context, ex common.Adapter, symbol string, prev Target) (common.OpenOrder, bool, error) {
	if prev.IsZero() {
		return common.OpenOrder{}, false, nil
	}
	open, err := ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return common.OpenOrder{}, false, fmt.Errorf("open orders: %w", err)
	}
	for _, oo := range open {
		if oo.Side != common.SideSell {
			continue
		}
		if within(oo.Quantity, prev.Qty, m.cfg.QtyTolerance) && within(oo.Price, prev.Price, m.cfg.PriceTolerance) {
			return oo, true, nil
		}
	}
	return common.OpenOrder{}, false, nil
}

func within(got, want, tol float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want)/want <= tol
}

// cancelCurrent cancels by id when known; otherwise by heuristic search.
// An id the exchange no longer knows counts as cancelled.
func (m *Manager) cancelCurrent(ctx context.Context, ex common.Adapter, o *order.Order, prev Target) error {
	if o.TPOrderID != "" {
		err := ex.CancelOrder(ctx, o.Symbol, o.TPOrderID)
		if err == nil || errors.Is(err, common.ErrUnknownOrder) {
			return nil
		}
		return err
	}
	found, ok, err := m.FindHeuristic(ctx, ex, o.Symbol, prev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.log.Info().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("matched_order_id", found.OrderID).
		Msg("cancelling protection matched by quantity and price")
	err = ex.CancelOrder(ctx, o.Symbol, found.OrderID)
	if err == nil || errors.Is(err, common.ErrUnknownOrder) {
		return nil
	}
	return err
}

func (m *Manager) create(ctx context.Context, ex common.Adapter, symbol string, t Target) (string, error) {
	res, err := ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol:      symbol,
		Side:        common.SideSell,
		Type:        common.OrderTypeLimit,
		Qty:         t.Qty,
		Price:       t.Price,
		TimeInForce: common.TIFGTC,
	})
	if err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("%s accepted protective order without id", ex.Name())
	}
	return res.OrderID, nil
}

// restore recreates prev after a failed creation. It returns nil when the
// original is back in place, and an ErrProtectionLost error otherwise.
func (m *Manager) restore(ctx context.Context, ex common.Adapter, o *order.Order, info common.SymbolInfo, prev Target, cause error) error {
	log := m.log.With().Int64("order_id", o.ID).Str("symbol", o.Symbol).Str("user_id", o.UserID).Logger()
	if prev.IsZero() {
		// nothing was protecting the position before
		_ = m.persist(ctx, o, "")
		return nil
	}
	t, err := Normalize(info, prev)
	if err != nil {
		t = Target{Qty: tradingmath.FloorToStep(prev.Qty, info.StepSize), Price: tradingmath.FloorToStep(prev.Price, info.TickSize)}
	}
	id, err := m.create(ctx, ex, o.Symbol, t)
	if err != nil {
		logger.Critical(&log).Err(err).AnErr("cause", cause).Msg("protective order lost: replacement and restore both failed")
		m.metrics.IncRollback(false)
		_ = m.persist(ctx, o, "")
		return fmt.Errorf("%w: create: %v; restore: %v", ErrProtectionLost, cause, err)
	}
	log.Warn().Err(cause).Str("tp_order_id", id).Msg("replacement failed, original protection restored")
	m.metrics.IncRollback(true)
	if err := m.persist(ctx, o, id); err != nil {
		return fmt.Errorf("persist restored protection: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, o *order.Order, id string) error {
	o.TPOrderID = id
	err := m.store.Patch(ctx, o.ID, order.Update{TPOrderID: order.Str(id)}, order.OpenStatuses...)
	if err != nil {
		m.log.Error().Err(err).Int64("order_id", o.ID).Str("tp_order_id", id).Msg("persist tp_order_id failed")
		return fmt.Errorf("persist tp_order_id: %w", err)
	}
	return nil
}
