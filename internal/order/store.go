package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"spotkeeper/pkg/db"
)

// Clock returns the current time.
type Clock func() time.Time

// Store persists orders. Every mutating method is guarded by the lease
// carried in ctx (see WithHolder) and by the set of statuses it may apply to.
type Store struct {
	db  *sql.DB
	now Clock
}

// NewStore wraps an open database.
func NewStore(database *sql.DB, now Clock) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: database, now: now}
}

// Update lists the columns a guarded write sets; nil fields are untouched.
type Update struct {
	Quantity      *float64
	ExecutedPrice *float64
	TakeProfit    *float64
	StopLoss      *float64
	ExecutedAt    *time.Time
	ClosedAt      *time.Time
	SLUpdatedAt   *time.Time
	TPOrderID     *string
	EntryOrderID  *string
}

// Helpers for building an Update inline.
func Float(v float64) *float64    { return &v }
func Str(v string) *string        { return &v }
func Time(v time.Time) *time.Time { return &v }
func ClearTP() *string            { return Str("") }

const selectColumns = `
	o.id, o.user_id, o.exchange_id, COALESCE(e.name, ''), o.is_testnet, o.symbol, o.side,
	o.quantity, o.entry_price, o.max_entry, o.take_profit, o.stop_loss,
	o.entry_interval, o.stop_interval, o.executed_price, o.executed_at, o.closed_at,
	o.created_at, o.tp_order_id, o.entry_order_id, o.sl_updated_at,
	o.lease_holder, o.lease_expires_at, o.status
	FROM orders o
	LEFT JOIN exchanges e ON e.id = o.exchange_id`

func scanOrder(s interface{ Scan(...any) error }) (*Order, error) {
	var (
		o                                 Order
		status                            string
		executedAt, closedAt, slUpdatedAt sql.NullInt64
		createdAt, leaseExpires           int64
	)
	err := s.Scan(&o.ID, &o.UserID, &o.ExchangeID, &o.ExchangeName, &o.Testnet, &o.Symbol, &o.Side,
		&o.Quantity, &o.EntryPrice, &o.MaxEntry, &o.TakeProfit, &o.StopLoss,
		&o.EntryInterval, &o.StopInterval, &o.ExecutedPrice, &executedAt, &closedAt,
		&createdAt, &o.TPOrderID, &o.EntryOrderID, &slUpdatedAt,
		&o.LeaseHolder, &leaseExpires, &status)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.ExecutedAt = fromMillis(executedAt)
	o.ClosedAt = fromMillis(closedAt)
	o.SLUpdatedAt = fromMillis(slUpdatedAt)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	if leaseExpires > 0 {
		o.LeaseExpiresAt = time.UnixMilli(leaseExpires).UTC()
	}
	return &o, nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// Insert stores a new order and returns its id. CreatedAt defaults to now.
func (s *Store) Insert(ctx context.Context, o *Order) (int64, error) {
	if o.UserID == "" {
		return 0, db.ErrUserIDRequired
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	if o.Side == "" {
		o.Side = "BUY"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (user_id, exchange_id, is_testnet, symbol, side, quantity, entry_price, max_entry,
			take_profit, stop_loss, entry_interval, stop_interval, executed_price, executed_at, closed_at,
			created_at, tp_order_id, entry_order_id, sl_updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, o.ExchangeID, o.Testnet, o.Symbol, o.Side, o.Quantity, o.EntryPrice, o.MaxEntry,
		o.TakeProfit, o.StopLoss, o.EntryInterval, o.StopInterval, o.ExecutedPrice,
		toMillis(o.ExecutedAt), toMillis(o.ClosedAt), o.CreatedAt.UnixMilli(),
		o.TPOrderID, o.EntryOrderID, toMillis(o.SLUpdatedAt), string(o.Status))
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert order id: %w", err)
	}
	o.ID = id
	return id, nil
}

// Get loads one order.
func (s *Store) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT`+selectColumns+` WHERE o.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

// GetForUser loads an order only if it belongs to userID.
func (s *Store) GetForUser(ctx context.Context, userID string, id int64) (*Order, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListByStatus returns orders in any of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusIn(statuses)
	return s.list(ctx, `SELECT`+selectColumns+` WHERE o.status IN (`+in+`) ORDER BY o.id`, args...)
}

// FindByTPOrderID resolves a protective order id to its order.
func (s *Store) FindByTPOrderID(ctx context.Context, key db.AccountKey, tpOrderID string) (*Order, error) {
	return s.findOne(ctx, "tp_order_id", key, tpOrderID)
}

// FindByEntryOrderID resolves an entry buy order id to its order.
func (s *Store) FindByEntryOrderID(ctx context.Context, key db.AccountKey, entryOrderID string) (*Order, error) {
	return s.findOne(ctx, "entry_order_id", key, entryOrderID)
}

func (s *Store) findOne(ctx context.Context, column string, key db.AccountKey, value string) (*Order, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	orders, err := s.list(ctx, `SELECT`+selectColumns+`
		WHERE o.`+column+` = ? AND o.user_id = ? AND o.exchange_id = ? AND o.is_testnet = ?
		ORDER BY o.id DESC LIMIT 1`, value, key.UserID, key.ExchangeID, key.Testnet)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return orders[0], nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AcquireLease takes the lease for holder. It succeeds when no live lease
// exists or holder already owns it.
func (s *Store) AcquireLease(ctx context.Context, id int64, holder string, ttl time.Duration) error {
	if holder == "" {
		return fmt.Errorf("acquire lease: empty holder")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET lease_holder = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_holder = '' OR lease_expires_at <= ? OR lease_holder = ?)
	`, holder, now.Add(ttl).UnixMilli(), id, now.UnixMilli(), holder)
	if err != nil {
		return fmt.Errorf("acquire lease %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrLeaseHeld
}

// ReleaseLease drops the lease if holder owns it.
func (s *Store) ReleaseLease(ctx context.Context, id int64, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET lease_holder = '', lease_expires_at = 0
		WHERE id = ? AND lease_holder = ?
	`, id, holder)
	if err != nil {
		return fmt.Errorf("release lease %d: %w", id, err)
	}
	return nil
}

// Transition moves the order to status to and applies upd in one guarded
// write. The current status must be a legal predecessor of to.
func (s *Store) Transition(ctx context.Context, id int64, to Status, upd Update) error {
	from := Predecessors(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing leads to %s", ErrIllegalTransition, to)
	}
	return s.write(ctx, id, &to, upd, from)
}

// Patch applies upd without changing status. The order must currently be
// in one of allowed.
func (s *Store) Patch(ctx context.Context, id int64, upd Update, allowed ...Status) error {
	if len(allowed) == 0 {
		return fmt.Errorf("patch order %d: no allowed statuses", id)
	}
	return s.write(ctx, id, nil, upd, allowed)
}

func (s *Store) write(ctx context.Context, id int64, to *Status, upd Update, from []Status) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if to != nil {
		set("status", string(*to))
	}
	if upd.Quantity != nil {
		set("quantity", *upd.Quantity)
	}
	if upd.ExecutedPrice != nil {
		set("executed_price", *upd.ExecutedPrice)
	}
	if upd.TakeProfit != nil {
		set("take_profit", *upd.TakeProfit)
	}
	if upd.StopLoss != nil {
		set("stop_loss", *upd.StopLoss)
	}
	if upd.ExecutedAt != nil {
		set("executed_at", toMillis(*upd.ExecutedAt))
	}
	if upd.ClosedAt != nil {
		set("closed_at", toMillis(*upd.ClosedAt))
	}
	if upd.SLUpdatedAt != nil {
		set("sl_updated_at", toMillis(*upd.SLUpdatedAt))
	}
	if upd.TPOrderID != nil {
		set("tp_order_id", *upd.TPOrderID)
	}
	if upd.EntryOrderID != nil {
		set("entry_order_id", *upd.EntryOrderID)
	}
	if len(sets) == 0 {
		return nil
	}

	now := s.now().UnixMilli()
	in, statusArgs := statusIn(from)
	query := `UPDATE orders SET ` + strings.Join(sets, ", ") + `
		WHERE id = ? AND status IN (` + in + `)
		AND (lease_holder = '' OR lease_expires_at <= ? OR lease_holder = ?)`
	args = append(args, id)
	args = append(args, statusArgs...)
	args = append(args, now, HolderFrom(ctx))
	if upd.Quantity != nil {
		// quantity only grows while the buy is still filling
		query += ` AND (status IN ('PENDING', 'PARTIAL_FILLED') OR quantity >= ?)`
		args = append(args, *upd.Quantity)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %d rows: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update order %d: %w", id, ErrConflict)
	}
	return nil
}

func statusIn(statuses []Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}
