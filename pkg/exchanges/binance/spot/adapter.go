package spot

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"spotkeeper/pkg/exchanges/common"
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

// Client returns the underlying REST client, used by the user data stream.
func (a *Adapter) Client() *Client { return a.client }

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	b, err := a.GetAssetBalanceDetail(ctx, asset)
	if err != nil {
		return 0, err
	}
	return b.Free, nil
}

func (a *Adapter) GetAssetBalanceDetail(ctx context.Context, asset string) (common.Balance, error) {
	info, err := a.client.GetAccountInfo(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	out := common.Balance{Asset: asset}
	for _, b := range info.Balances {
		if b.Asset == asset {
			out.Free = toFloat(b.Free)
			out.Locked = toFloat(b.Locked)
			break
		}
	}
	return out, nil
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

func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = "sk-" + uuid.NewString()[:23]
	}
	return a.client.SubmitOrder(ctx, req)
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("binance cancel %s: empty order id", symbol)
	}
	return a.client.CancelOrder(ctx, symbol, orderID)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	orders, err := a.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.toCommon())
	}
	return out, nil
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]common.Trade, error) {
	trades, err := a.client.GetMyTrades(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	out := make([]common.Trade, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.toCommon())
	}
	return out, nil
}

func (a *Adapter) ClosePositionMarket(ctx context.Context, symbol string, qty float64) (common.OrderResult, error) {
	return a.PlaceOrder(ctx, common.OrderRequest{
		Symbol: symbol,
		Side:   common.SideSell,
		Type:   common.OrderTypeMarket,
		Qty:    qty,
	})
}
