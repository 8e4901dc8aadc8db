package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	for _, col := range []string{"entry_order_id", "lease_holder", "lease_expires_at"} {
		ok, err := columnExists(database.DB, "orders", col)
		if err != nil || !ok {
			t.Fatalf("column %s missing (err=%v)", col, err)
		}
	}
}

func TestSeededExchanges(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	for _, name := range []string{"binance", "bybit"} {
		e, err := q.ExchangeByName(ctx, name)
		if err != nil {
			t.Fatalf("ExchangeByName(%s): %v", name, err)
		}
		if e.ID == 0 || e.Name != name {
			t.Fatalf("unexpected exchange %+v", e)
		}
	}
	if _, err := q.ExchangeByName(ctx, "kraken"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	bin, _ := q.ExchangeByName(ctx, "binance")

	if _, err := q.UpsertAccount(ctx, Account{ExchangeID: bin.ID}); err != ErrUserIDRequired {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}

	acct := Account{UserID: "u1", ExchangeID: bin.ID, Testnet: true, APIKey: "k", APISecret: "s", Active: true}
	id, err := q.UpsertAccount(ctx, acct)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	acct.APIKey = "k2"
	id2, err := q.UpsertAccount(ctx, acct)
	if err != nil {
		t.Fatalf("UpsertAccount again: %v", err)
	}
	if id != id2 {
		t.Fatalf("upsert created a second row: %d vs %d", id, id2)
	}

	got, err := q.Account(ctx, acct.Key())
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.APIKey != "k2" || got.ExchangeName != "binance" || !got.Testnet {
		t.Fatalf("unexpected account %+v", got)
	}

	// same user on mainnet is a separate key
	if _, err := q.Account(ctx, AccountKey{UserID: "u1", ExchangeID: bin.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mainnet key, got %v", err)
	}

	active, err := q.ActiveAccounts(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ActiveAccounts=%v err=%v", active, err)
	}
	if err := q.DeactivateAccount(ctx, acct.Key()); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}
	active, _ = q.ActiveAccounts(ctx)
	if len(active) != 0 {
		t.Fatalf("expected no active accounts, got %d", len(active))
	}
}

func TestActiveAccountsQueryError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("disk I/O error"))

	if _, err := NewQueries(sqlDB).ActiveAccounts(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
