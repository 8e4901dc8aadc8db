package db

import (
	"database/sql"
	"fmt"
)

// Times are unix milliseconds; NULL means unset.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    exchange_id INTEGER NOT NULL,
    is_testnet INTEGER NOT NULL DEFAULT 0,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    UNIQUE(user_id, exchange_id, is_testnet),
    FOREIGN KEY(exchange_id) REFERENCES exchanges(id)
);

CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    exchange_id INTEGER NOT NULL,
    is_testnet INTEGER NOT NULL DEFAULT 0,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT 'BUY',
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    max_entry REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    entry_interval TEXT NOT NULL DEFAULT '',
    stop_interval TEXT NOT NULL DEFAULT '',
    executed_price REAL NOT NULL DEFAULT 0,
    executed_at INTEGER,
    closed_at INTEGER,
    created_at INTEGER NOT NULL,
    tp_order_id TEXT NOT NULL DEFAULT '',
    sl_updated_at INTEGER,
    status TEXT NOT NULL,
    FOREIGN KEY(exchange_id) REFERENCES exchanges(id)
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_tp ON orders(user_id, exchange_id, is_testnet, tp_order_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release; older files get them here.
	if err := ensureColumn(d.DB, "orders", "entry_order_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "lease_holder", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "lease_expires_at", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	for _, name := range []string{"binance", "bybit"} {
		if _, err := d.DB.Exec(`INSERT OR IGNORE INTO exchanges (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("seed exchange %s: %w", name, err)
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
