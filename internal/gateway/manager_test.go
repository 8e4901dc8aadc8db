package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/exchangetest"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
)

type memAccounts struct {
	mu    sync.Mutex
	accts map[db.AccountKey]db.Account
	reads int
}

func (m *memAccounts) Account(_ context.Context, key db.AccountKey) (db.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	a, ok := m.accts[key]
	if !ok {
		return db.Account{}, db.ErrNotFound
	}
	return a, nil
}

func newAccounts(keys ...db.AccountKey) *memAccounts {
	m := &memAccounts{accts: make(map[db.AccountKey]db.Account)}
	for _, k := range keys {
		m.accts[k] = db.Account{UserID: k.UserID, ExchangeID: k.ExchangeID, Testnet: k.Testnet, ExchangeName: "binance", Active: true, APIKey: "k", APISecret: "s"}
	}
	return m
}

func fakeFactory(acct db.Account) (common.Adapter, error) {
	return exchangetest.New(acct.ExchangeName), nil
}

func TestPoolCachesPerAccount(t *testing.T) {
	k1 := db.AccountKey{UserID: "u1", ExchangeID: 1}
	k2 := db.AccountKey{UserID: "u1", ExchangeID: 1, Testnet: true}
	accts := newAccounts(k1, k2)
	p := NewPool(accts, fakeFactory, Config{MaxSize: 10, IdleTimeout: time.Minute})

	a1, err := p.Get(context.Background(), k1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	again, _ := p.Get(context.Background(), k1)
	if a1 != again {
		t.Fatal("expected cached adapter")
	}
	a2, _ := p.Get(context.Background(), k2)
	if a1 == a2 {
		t.Fatal("testnet and mainnet must not share an adapter")
	}
	if accts.reads != 2 {
		t.Fatalf("reads=%d, expected 2", accts.reads)
	}
	if st := p.Stats(); st.Total != 2 || st.ByExchange["binance"] != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	k1 := db.AccountKey{UserID: "u1", ExchangeID: 1}
	k2 := db.AccountKey{UserID: "u2", ExchangeID: 1}
	k3 := db.AccountKey{UserID: "u3", ExchangeID: 1}
	accts := newAccounts(k1, k2, k3)
	p := NewPool(accts, fakeFactory, Config{MaxSize: 2, IdleTimeout: time.Minute})
	ctx := context.Background()

	first, _ := p.Get(ctx, k1)
	_, _ = p.Get(ctx, k2)
	_, _ = p.Get(ctx, k1) // k2 is now oldest
	_, _ = p.Get(ctx, k3)

	if st := p.Stats(); st.Total != 2 {
		t.Fatalf("total=%d, expected 2", st.Total)
	}
	if got, _ := p.Get(ctx, k1); got != first {
		t.Fatal("k1 should have survived eviction")
	}
	if accts.reads != 3 {
		t.Fatalf("reads=%d, expected 3", accts.reads)
	}
}

func TestPoolErrors(t *testing.T) {
	k := db.AccountKey{UserID: "u1", ExchangeID: 1}
	accts := newAccounts()
	p := NewPool(accts, fakeFactory, DefaultConfig())
	if _, err := p.Get(context.Background(), k); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	accts.accts[k] = db.Account{UserID: "u1", ExchangeID: 1, ExchangeName: "binance"}
	if _, err := p.Get(context.Background(), k); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestPoolCleanupIdle(t *testing.T) {
	k := db.AccountKey{UserID: "u1", ExchangeID: 1}
	p := NewPool(newAccounts(k), fakeFactory, Config{MaxSize: 2, IdleTimeout: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, _ = p.Get(context.Background(), k)
	now = now.Add(2 * time.Minute)
	p.cleanupIdle()
	if st := p.Stats(); st.Total != 0 {
		t.Fatalf("idle adapter not removed: %+v", st)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"binance", KindBinance, true},
		{" Bybit ", KindBybit, true},
		{"kraken", "", false},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseKind(%q)=%v,%v", tt.in, got, err)
		}
		if !tt.ok && !errors.Is(err, ErrUnsupportedExchange) {
			t.Errorf("ParseKind(%q) expected ErrUnsupportedExchange, got %v", tt.in, err)
		}
	}
}

func TestFactoryBuildsVariants(t *testing.T) {
	f := NewFactory(zerolog.Nop())
	for _, name := range []string{"binance", "bybit"} {
		a, err := f(db.Account{UserID: "u", ExchangeName: name, APIKey: "k", APISecret: "s"})
		if err != nil {
			t.Fatalf("factory(%s): %v", name, err)
		}
		if a.Name() != name {
			t.Fatalf("Name()=%s, expected %s", a.Name(), name)
		}
	}
	if _, err := f(db.Account{UserID: "u", ExchangeName: "binance"}); !errors.Is(err, common.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := f(db.Account{UserID: "u", ExchangeName: "okx", APIKey: "k", APISecret: "s"}); !errors.Is(err, ErrUnsupportedExchange) {
		t.Fatalf("expected ErrUnsupportedExchange, got %v", err)
	}
}
