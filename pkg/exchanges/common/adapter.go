package common

import (
	"context"
	"time"
)

// Adapter abstracts one spot venue account.
type Adapter interface {
	// Name is the exchange identifier ("binance", "bybit").
	Name() string
	// GetBalance returns the free amount of asset.
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetAssetBalanceDetail(ctx context.Context, asset string) (Balance, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)
	// GetKlines returns candles oldest first.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	// GetRecentTrades returns the latest account trades for symbol, oldest first.
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	ClosePositionMarket(ctx context.Context, symbol string, qty float64) (OrderResult, error)
}

// RulesCache stores symbol rules shared by adapters of one network.
type RulesCache interface {
	Get(key string) (SymbolInfo, bool)
	Set(key string, info SymbolInfo)
}

// RulesKey names a symbol's rules on one exchange network.
func RulesKey(exchange string, testnet bool, symbol string) string {
	if testnet {
		return exchange + ":testnet:" + symbol
	}
	return exchange + ":" + symbol
}

// LastClosedCandle returns the newest candle whose close time is not after now.
func LastClosedCandle(candles []Candle, now time.Time) (Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].CloseTime.After(now) {
			return candles[i], true
		}
	}
	return Candle{}, false
}

// FindOpenOrder looks up id in a list of open orders.
func FindOpenOrder(orders []OpenOrder, id string) (OpenOrder, bool) {
	for _, o := range orders {
		if o.OrderID == id {
			return o, true
		}
	}
	return OpenOrder{}, false
}

// HasOpenSell reports whether any open order is a SELL.
func HasOpenSell(orders []OpenOrder) bool {
	for _, o := range orders {
		if o.Side == SideSell {
			return true
		}
	}
	return false
}
