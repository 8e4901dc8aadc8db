package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Final reports whether the order can no longer trade.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Balance is the free/locked split of one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// SymbolInfo carries the trading rules needed to format orders.
type SymbolInfo struct {
	Symbol      string
	StepSize    float64
	TickSize    float64
	MinQty      float64
	MinNotional float64
}

// Fallback trading rules used when an exchange omits a filter.
const (
	DefaultStepSize    = 0.00000001
	DefaultTickSize    = 0.01
	DefaultMinQty      = 0.00001
	DefaultMinNotional = 5.0
)

// WithDefaults fills unset rules with the fallback values.
func (s SymbolInfo) WithDefaults() SymbolInfo {
	if s.StepSize <= 0 {
		s.StepSize = DefaultStepSize
	}
	if s.TickSize <= 0 {
		s.TickSize = DefaultTickSize
	}
	if s.MinQty <= 0 {
		s.MinQty = DefaultMinQty
	}
	if s.MinNotional <= 0 {
		s.MinNotional = DefaultMinNotional
	}
	return s
}

// Candle is one kline. CloseTime is the last instant covered by the candle.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderRequest captures an order intent to be sent to an exchange.
// Qty and Price are expected to be floored to the symbol rules already.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
}

// Fill is one execution leg of an order.
type Fill struct {
	Price float64
	Qty   float64
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID     string
	ClientID    string
	Symbol      string
	Status      OrderStatus
	ExecutedQty float64
	QuoteQty    float64
	Fills       []Fill
}

// AvgPrice returns the quantity-weighted fill price. When the exchange did
// not report fills it falls back to quote/executed, then zero.
func (r OrderResult) AvgPrice() float64 {
	var qty, notional float64
	for _, f := range r.Fills {
		qty += f.Qty
		notional += f.Qty * f.Price
	}
	if qty > 0 {
		return notional / qty
	}
	if r.ExecutedQty > 0 && r.QuoteQty > 0 {
		return r.QuoteQty / r.ExecutedQty
	}
	return 0
}

// FilledQty returns the summed fill quantity, or ExecutedQty when no fills
// were reported.
func (r OrderResult) FilledQty() float64 {
	var qty float64
	for _, f := range r.Fills {
		qty += f.Qty
	}
	if qty > 0 {
		return qty
	}
	return r.ExecutedQty
}

// OpenOrder is a resting order as reported by the exchange.
type OpenOrder struct {
	OrderID  string
	Symbol   string
	Side     Side
	Type     OrderType
	Price    float64
	Quantity float64
	Executed float64
	Status   OrderStatus
}

// Trade is an account trade.
type Trade struct {
	ID      string
	OrderID string
	Symbol  string
	IsBuy   bool
	Price   float64
	Qty     float64
	Time    time.Time
}
