// Package order holds the order lifecycle model, its state machine and the
// lease-guarded SQLite store.
package order

import (
	"strings"
	"time"

	"spotkeeper/pkg/db"
)

// Status is the lifecycle state of an Order.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusExecuted         Status = "EXECUTED"
	StatusPartialFilled    Status = "PARTIAL_FILLED"
	StatusCancelled        Status = "CANCELLED"
	StatusClosedTP         Status = "CLOSED_TP"
	StatusClosedSL         Status = "CLOSED_SL"
	StatusClosedManual     Status = "CLOSED_MANUAL"
	StatusClosedExternally Status = "CLOSED_EXTERNALLY"
	StatusMismatch         Status = "MISMATCH_BINANCE"
)

// IntervalMarket marks an intent that executes immediately instead of
// waiting for a candle close.
const IntervalMarket = "Market"

// Order is one trade intent and its live exchange state.
type Order struct {
	ID           int64
	UserID       string
	ExchangeID   int64
	ExchangeName string
	Testnet      bool
	Symbol       string
	Side         string

	// Quantity is the requested size while PENDING and the tracked
	// remaining size afterwards.
	Quantity      float64
	EntryPrice    float64
	MaxEntry      float64 // 0 = no upper bound
	TakeProfit    float64
	StopLoss      float64
	EntryInterval string
	StopInterval  string

	ExecutedPrice float64
	ExecutedAt    time.Time
	ClosedAt      time.Time
	CreatedAt     time.Time

	TPOrderID    string
	EntryOrderID string
	SLUpdatedAt  time.Time

	LeaseHolder    string
	LeaseExpiresAt time.Time

	Status Status
}

// Key returns the exchange account the order trades on.
func (o *Order) Key() db.AccountKey {
	return db.AccountKey{UserID: o.UserID, ExchangeID: o.ExchangeID, Testnet: o.Testnet}
}

// StopIntervalOrDefault returns the candle interval the stop-loss is
// evaluated on.
func (o *Order) StopIntervalOrDefault() string {
	iv := o.StopInterval
	if iv == "" {
		iv = o.EntryInterval
	}
	if iv == "" || strings.EqualFold(iv, IntervalMarket) {
		return "1m"
	}
	return iv
}

// LeaseActive reports whether someone holds the order at now.
func (o *Order) LeaseActive(now time.Time) bool {
	return o.LeaseHolder != "" && o.LeaseExpiresAt.After(now)
}

// SLReference is the time a stop-loss candle must close after.
func (o *Order) SLReference() time.Time {
	if !o.SLUpdatedAt.IsZero() {
		return o.SLUpdatedAt
	}
	return o.ExecutedAt
}

var quoteAssets = []string{"FDUSD", "USDC", "USDT", "BUSD"}

// SplitSymbol returns base and quote assets of a spot symbol.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	if len(s) > 4 {
		return s[:len(s)-4], s[len(s)-4:]
	}
	return s, ""
}

// BaseAsset returns the traded asset of symbol.
func BaseAsset(symbol string) string {
	b, _ := SplitSymbol(symbol)
	return b
}

// QuoteAsset returns the pricing asset of symbol.
func QuoteAsset(symbol string) string {
	_, q := SplitSymbol(symbol)
	return q
}
