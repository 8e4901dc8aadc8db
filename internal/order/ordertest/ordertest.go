// Package ordertest builds an in-memory order store for tests.
package ordertest

import (
	"sync"
	"testing"
	"time"

	"spotkeeper/internal/order"
	"spotkeeper/pkg/db"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewDB opens a migrated in-memory database closed at test end.
func NewDB(t testing.TB) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

// NewStore returns a store over a fresh in-memory database.
func NewStore(t testing.TB, clock *Clock) *order.Store {
	t.Helper()
	return order.NewStore(NewDB(t).DB, clock.Now)
}

// Insert stores o and fails the test on error.
func Insert(t testing.TB, s *order.Store, o *order.Order) *order.Order {
	t.Helper()
	if o.UserID == "" {
		o.UserID = "u1"
	}
	if o.ExchangeID == 0 {
		o.ExchangeID = 1
	}
	if _, err := s.Insert(t.Context(), o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o
}

// Reload reads the order back.
func Reload(t testing.TB, s *order.Store, id int64) *order.Order {
	t.Helper()
	o, err := s.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get order %d: %v", id, err)
	}
	return o
}
