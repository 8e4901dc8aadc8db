package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// connLifetime recycles file-backed connections. In-memory databases live
// only as long as their single connection, so they never get one.
const connLifetime = time.Hour

// Database holds the order and account store. SQLite takes one writer, so
// the pool is pinned to a single connection.
type Database struct {
	DB       *sql.DB
	InMemory bool
}

// New opens the SQLite database at path, creating its directory when the
// path names a file.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	mem := IsMemoryDSN(path)
	if !mem {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if mem {
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetConnMaxLifetime(connLifetime)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	return &Database{DB: db, InMemory: mem}, nil
}

// IsMemoryDSN reports whether dsn names a database that exists only in the
// open connection.
func IsMemoryDSN(dsn string) bool {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") {
		return true
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		for _, kv := range strings.Split(dsn[i+1:], "&") {
			if kv == "mode=memory" {
				return true
			}
		}
	}
	return false
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
