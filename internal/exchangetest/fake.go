// Package exchangetest provides an in-memory spot exchange for tests.
package exchangetest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"spotkeeper/pkg/exchanges/common"
)

// Call records one mutating request.
type Call struct {
	Method  string
	Request common.OrderRequest
	OrderID string
}

// Exchange is a goroutine-safe fake venue. Market orders fill at Price;
// limit sells rest as open orders and lock base balance.
type Exchange struct {
	mu sync.Mutex

	name     string
	nextID   int
	balances map[string]*common.Balance
	info     map[string]common.SymbolInfo
	prices   map[string]float64
	klines   map[string][]common.Candle
	open     map[string]common.OpenOrder
	trades   map[string][]common.Trade
	calls    []Call

	// FillRatio scales market buy fills; 0 means full.
	FillRatio float64
	// UnreportedFills fills market orders but answers like a lagging
	// read-back: status NEW and no fills.
	UnreportedFills bool
	// DropMarketFills accepts market orders that never trade.
	DropMarketFills bool
	// Now stamps trades; defaults to time.Now.
	Now func() time.Time

	// Hooks return a non-nil error to fail the call.
	PlaceHook  func(req common.OrderRequest) error
	CancelHook func(orderID string) error
	ReadHook   func(method string) error
}

var _ common.Adapter = (*Exchange)(nil)

// New returns an empty fake named name.
func New(name string) *Exchange {
	return &Exchange{
		name:     name,
		nextID:   1000,
		balances: make(map[string]*common.Balance),
		info:     make(map[string]common.SymbolInfo),
		prices:   make(map[string]float64),
		klines:   make(map[string][]common.Candle),
		open:     make(map[string]common.OpenOrder),
		trades:   make(map[string][]common.Trade),
	}
}

func (e *Exchange) Name() string { return e.name }

// SetBalance sets the free and locked amount of asset.
func (e *Exchange) SetBalance(asset string, free, locked float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = &common.Balance{Asset: asset, Free: free, Locked: locked}
}

// Balance returns the current balance of asset.
func (e *Exchange) Balance(asset string) common.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.balance(asset)
}

func (e *Exchange) balance(asset string) *common.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &common.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

// SetSymbol registers exchange filters for symbol.
func (e *Exchange) SetSymbol(info common.SymbolInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info[info.Symbol] = info
}

// SetPrice sets the price market orders fill at.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// SetKlines sets the candles returned for symbol and interval.
func (e *Exchange) SetKlines(symbol, interval string, candles ...common.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[symbol+"|"+common.NormalizeInterval(interval)] = candles
}

// AddOpenOrder places a resting order without touching balances.
func (e *Exchange) AddOpenOrder(o common.OpenOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.Status == "" {
		o.Status = common.StatusNew
	}
	e.open[o.OrderID] = o
}

// RemoveOpenOrder drops a resting order as if cancelled outside the engine.
func (e *Exchange) RemoveOpenOrder(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, id)
}

// AddTrade appends an account trade.
func (e *Exchange) AddTrade(tr common.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades[tr.Symbol] = append(e.trades[tr.Symbol], tr)
}

// OpenOrders returns the resting orders of symbol.
func (e *Exchange) OpenOrders(symbol string) []common.OpenOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openFor(symbol)
}

// Calls returns the mutating calls seen so far.
func (e *Exchange) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CountCalls counts calls of method.
func (e *Exchange) CountCalls(method string) int {
	n := 0
	for _, c := range e.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (e *Exchange) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Exchange) read(method string) error {
	if e.ReadHook != nil {
		return e.ReadHook(method)
	}
	return nil
}

func (e *Exchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	b, err := e.GetAssetBalanceDetail(ctx, asset)
	return b.Free, err
}

func (e *Exchange) GetAssetBalanceDetail(_ context.Context, asset string) (common.Balance, error) {
	if err := e.read("GetAssetBalanceDetail"); err != nil {
		return common.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.balance(asset), nil
}

func (e *Exchange) GetSymbolInfo(_ context.Context, symbol string) (common.SymbolInfo, error) {
	if err := e.read("GetSymbolInfo"); err != nil {
		return common.SymbolInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.info[symbol]
	if !ok {
		info = common.SymbolInfo{Symbol: symbol}
	}
	return info.WithDefaults(), nil
}

func (e *Exchange) GetSymbolPrice(_ context.Context, symbol string) (float64, error) {
	if err := e.read("GetSymbolPrice"); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (e *Exchange) GetKlines(_ context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if err := e.read("GetKlines"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.klines[symbol+"|"+common.NormalizeInterval(interval)]
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]common.Candle(nil), c...), nil
}

func (e *Exchange) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if e.PlaceHook != nil {
		if err := e.PlaceHook(req); err != nil {
			return common.OrderResult{}, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := strconv.Itoa(e.nextID)
	e.calls = append(e.calls, Call{Method: "PlaceOrder", Request: req, OrderID: id})
	base, quote := splitSymbol(req.Symbol)

	if req.Type == common.OrderTypeLimit {
		if req.Side == common.SideSell {
			b := e.balance(base)
			if b.Free+1e-12 < req.Qty {
				return common.OrderResult{}, &common.APIError{Exchange: e.name, Code: -2010, Message: "insufficient balance"}
			}
			b.Free -= req.Qty
			b.Locked += req.Qty
		}
		e.open[id] = common.OpenOrder{
			OrderID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
			Price: req.Price, Quantity: req.Qty, Status: common.StatusNew,
		}
		return common.OrderResult{OrderID: id, Symbol: req.Symbol, Status: common.StatusNew}, nil
	}

	price, ok := e.prices[req.Symbol]
	if !ok {
		return common.OrderResult{}, fmt.Errorf("no price for %s", req.Symbol)
	}
	if e.DropMarketFills {
		return common.OrderResult{OrderID: id, Symbol: req.Symbol, Status: common.StatusNew}, nil
	}
	qty := req.Qty
	status := common.StatusFilled
	if req.Side == common.SideBuy && e.FillRatio > 0 && e.FillRatio < 1 {
		qty = req.Qty * e.FillRatio
		status = common.StatusPartiallyFilled
	}
	if req.Side == common.SideSell {
		b := e.balance(base)
		if b.Free+1e-12 < qty {
			return common.OrderResult{}, &common.APIError{Exchange: e.name, Code: -2010, Message: "insufficient balance"}
		}
		b.Free = math.Max(0, b.Free-qty)
		e.balance(quote).Free += qty * price
	} else {
		e.balance(base).Free += qty
		e.balance(quote).Free -= qty * price
	}
	e.trades[req.Symbol] = append(e.trades[req.Symbol], common.Trade{
		ID: "t" + id, OrderID: id, Symbol: req.Symbol, IsBuy: req.Side == common.SideBuy,
		Price: price, Qty: qty, Time: e.now(),
	})
	if e.UnreportedFills {
		return common.OrderResult{OrderID: id, Symbol: req.Symbol, Status: common.StatusNew}, nil
	}
	return common.OrderResult{
		OrderID: id, Symbol: req.Symbol, Status: status,
		ExecutedQty: qty, QuoteQty: qty * price,
		Fills: []common.Fill{{Price: price, Qty: qty}},
	}, nil
}

func (e *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	if e.CancelHook != nil {
		if err := e.CancelHook(orderID); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Method: "CancelOrder", OrderID: orderID})
	o, ok := e.open[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("cancel %s: %w", orderID, common.ErrUnknownOrder)
	}
	delete(e.open, orderID)
	if o.Side == common.SideSell {
		base, _ := splitSymbol(symbol)
		b := e.balance(base)
		rest := o.Quantity - o.Executed
		b.Locked = math.Max(0, b.Locked-rest)
		b.Free += rest
	}
	return nil
}

func (e *Exchange) GetOpenOrders(_ context.Context, symbol string) ([]common.OpenOrder, error) {
	if err := e.read("GetOpenOrders"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openFor(symbol), nil
}

func (e *Exchange) openFor(symbol string) []common.OpenOrder {
	var out []common.OpenOrder
	for _, o := range e.open {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (e *Exchange) GetRecentTrades(_ context.Context, symbol string, limit int) ([]common.Trade, error) {
	if err := e.read("GetRecentTrades"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.trades[symbol]
	if limit > 0 && len(tr) > limit {
		tr = tr[len(tr)-limit:]
	}
	return append([]common.Trade(nil), tr...), nil
}

func (e *Exchange) ClosePositionMarket(ctx context.Context, symbol string, qty float64) (common.OrderResult, error) {
	return e.PlaceOrder(ctx, common.OrderRequest{Symbol: symbol, Side: common.SideSell, Type: common.OrderTypeMarket, Qty: qty})
}

// FillOpenOrder fills a resting sell completely, as the venue's matching
// engine would.
func (e *Exchange) FillOpenOrder(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.open[id]
	if !ok {
		return
	}
	delete(e.open, id)
	base, quote := splitSymbol(o.Symbol)
	if o.Side == common.SideSell {
		b := e.balance(base)
		b.Locked = math.Max(0, b.Locked-o.Quantity)
		e.balance(quote).Free += o.Quantity * o.Price
	}
	e.trades[o.Symbol] = append(e.trades[o.Symbol], common.Trade{
		ID: "t" + id, OrderID: id, Symbol: o.Symbol, IsBuy: o.Side == common.SideBuy,
		Price: o.Price, Qty: o.Quantity, Time: e.now(),
	})
}

func splitSymbol(symbol string) (string, string) {
	for _, q := range []string{"FDUSD", "USDC", "USDT", "BUSD"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 4 {
		return symbol[:len(symbol)-4], symbol[len(symbol)-4:]
	}
	return symbol, ""
}
