package bybit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spotkeeper/pkg/exchanges/common"
)

const (
	readBackAttempts     = 3
	defaultReadBackDelay = 200 * time.Millisecond
)

// Adapter exposes a Client through the exchange-agnostic contract.
type Adapter struct {
	client *Client
}

var _ common.Adapter = (*Adapter)(nil)

// NewAdapter wraps client.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

// Client returns the underlying REST client.
func (a *Adapter) Client() *Client { return a.client }

func (a *Adapter) Name() string { return "bybit" }

func (a *Adapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	b, err := a.client.GetWalletBalance(ctx, asset)
	if err != nil {
		return 0, err
	}
	return b.Free, nil
}

func (a *Adapter) GetAssetBalanceDetail(ctx context.Context, asset string) (common.Balance, error) {
	return a.client.GetWalletBalance(ctx, asset)
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	rules := a.client.cfg.Rules
	if rules == nil {
		return a.client.GetSymbolInfo(ctx, symbol)
	}
	key := common.RulesKey(a.Name(), a.client.cfg.Testnet, symbol)
	if info, ok := rules.Get(key); ok {
		return info, nil
	}
	info, err := a.client.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return common.SymbolInfo{}, err
	}
	rules.Set(key, info)
	return info, nil
}

func (a *Adapter) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	return a.client.GetTickerPrice(ctx, symbol)
}

func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return a.client.GetKlines(ctx, symbol, interval, limit)
}

// PlaceOrder creates the order and, for market orders, reads back the
// execution so callers get fills like on Binance.
func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = "sk-" + uuid.NewString()[:23]
	}
	id, err := a.client.CreateOrder(ctx, req)
	if err != nil {
		return common.OrderResult{}, err
	}
	result := common.OrderResult{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Status: common.StatusNew}
	if req.Type != common.OrderTypeMarket {
		return result, nil
	}

	filled, err := a.readBack(ctx, req.Symbol, id)
	if err != nil {
		a.client.log.Warn().Err(err).Str("order_id", id).Msg("market order placed but execution lookup failed")
		return result, nil
	}
	execs, err := a.client.GetExecutions(ctx, req.Symbol, id, 50)
	if err == nil {
		for _, e := range execs {
			filled.Fills = append(filled.Fills, common.Fill{Price: e.Price, Qty: e.Qty})
		}
	}
	return filled, nil
}

// readBack polls the order until the matcher reports executions or a final
// status. The last answer is returned even when it shows no fill.
func (a *Adapter) readBack(ctx context.Context, symbol, id string) (common.OrderResult, error) {
	delay := a.client.cfg.ReadBackDelay
	if delay <= 0 {
		delay = defaultReadBackDelay
	}
	var (
		res common.OrderResult
		err error
	)
	for attempt := 0; attempt < readBackAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
		res, err = a.client.GetOrder(ctx, symbol, id)
		if err == nil && (res.ExecutedQty > 0 || res.Status.Final()) {
			return res, nil
		}
	}
	return res, err
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("bybit cancel %s: empty order id", symbol)
	}
	return a.client.CancelOrder(ctx, symbol, orderID)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	return a.client.GetOpenOrders(ctx, symbol)
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]common.Trade, error) {
	return a.client.GetExecutions(ctx, symbol, "", limit)
}

func (a *Adapter) ClosePositionMarket(ctx context.Context, symbol string, qty float64) (common.OrderResult, error) {
	return a.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol,
		Side:   common.SideSell,
		Type:   common.OrderTypeMarket,
		Qty:    qty,
	})
}
