package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Queries reads exchanges and credentials.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Queries returns the account queries bound to d.
func (d *Database) Queries() *Queries {
	return NewQueries(d.DB)
}

// ExchangeByName looks up an exchange id.
func (q *Queries) ExchangeByName(ctx context.Context, name string) (Exchange, error) {
	var e Exchange
	err := q.db.QueryRowContext(ctx, `SELECT id, name FROM exchanges WHERE name = ?`, name).Scan(&e.ID, &e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Exchange{}, ErrNotFound
	}
	if err != nil {
		return Exchange{}, fmt.Errorf("query exchange %s: %w", name, err)
	}
	return e, nil
}

// UpsertAccount stores credentials for (user, exchange, testnet) and
// returns the row id.
func (q *Queries) UpsertAccount(ctx context.Context, a Account) (int64, error) {
	if a.UserID == "" {
		return 0, ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exchange_accounts (user_id, exchange_id, is_testnet, api_key, api_secret, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, exchange_id, is_testnet) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			is_active = excluded.is_active
	`, a.UserID, a.ExchangeID, a.Testnet, a.APIKey, a.APISecret, a.Active)
	if err != nil {
		return 0, fmt.Errorf("upsert account: %w", err)
	}
	var id int64
	err = q.db.QueryRowContext(ctx, `
		SELECT id FROM exchange_accounts WHERE user_id = ? AND exchange_id = ? AND is_testnet = ?
	`, a.UserID, a.ExchangeID, a.Testnet).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read account id: %w", err)
	}
	return id, nil
}

const accountColumns = `
	a.id, a.user_id, a.exchange_id, e.name, a.is_testnet, a.api_key, a.api_secret, a.is_active
	FROM exchange_accounts a
	JOIN exchanges e ON e.id = a.exchange_id`

func scanAccount(s interface{ Scan(...any) error }) (Account, error) {
	var a Account
	err := s.Scan(&a.ID, &a.UserID, &a.ExchangeID, &a.ExchangeName, &a.Testnet, &a.APIKey, &a.APISecret, &a.Active)
	return a, err
}

// Account returns the credentials for key.
func (q *Queries) Account(ctx context.Context, key AccountKey) (Account, error) {
	if key.UserID == "" {
		return Account{}, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT`+accountColumns+`
		WHERE a.user_id = ? AND a.exchange_id = ? AND a.is_testnet = ?
	`, key.UserID, key.ExchangeID, key.Testnet)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// ActiveAccounts lists every active credential set.
func (q *Queries) ActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT`+accountColumns+`
		WHERE a.is_active = 1
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeactivateAccount marks the credential set inactive.
func (q *Queries) DeactivateAccount(ctx context.Context, key AccountKey) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE exchange_accounts SET is_active = 0
		WHERE user_id = ? AND exchange_id = ? AND is_testnet = ?
	`, key.UserID, key.ExchangeID, key.Testnet)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
