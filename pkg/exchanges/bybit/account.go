package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/tradingmath"
)

// GetWalletBalance returns the unified-account balance of one coin.
func (c *Client) GetWalletBalance(ctx context.Context, coin string) (common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", coin)
	raw, err := c.signedGet(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return common.Balance{}, err
	}
	var res struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode wallet balance: %w", err)
	}
	out := common.Balance{Asset: coin}
	for _, acct := range res.List {
		for _, cb := range acct.Coin {
			if cb.Coin != coin {
				continue
			}
			total := tradingmath.ParseOrZero(cb.WalletBalance)
			out.Locked = tradingmath.ParseOrZero(cb.Locked)
			out.Free = total - out.Locked
			if out.Free < 0 {
				out.Free = 0
			}
			return out, nil
		}
	}
	return out, nil
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	MarketUnit  string `json:"marketUnit,omitempty"`
}

// CreateOrder places an order and returns its id. Bybit acks without fill
// details; use GetOrder for execution facts.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	body := createOrderRequest{
		Category:    category,
		Symbol:      req.Symbol,
		Side:        side(req.Side),
		Qty:         tradingmath.Canonical(req.Qty),
		OrderLinkID: req.ClientID,
	}
	switch req.Type {
	case common.OrderTypeMarket:
		body.OrderType = "Market"
		body.MarketUnit = "baseCoin"
	default:
		body.OrderType = "Limit"
		body.Price = tradingmath.Canonical(req.Price)
		body.TimeInForce = "GTC"
	}
	raw, err := c.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return "", err
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode create order: %w", err)
	}
	return res.OrderID, nil
}

// CancelOrder cancels one spot order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.signedPost(ctx, "/v5/order/cancel", map[string]string{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	return err
}

type orderRecord struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	AvgPrice     string `json:"avgPrice"`
	OrderStatus  string `json:"orderStatus"`
}

func (o orderRecord) toOpenOrder() common.OpenOrder {
	return common.OpenOrder{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     parseSide(o.Side),
		Type:     common.OrderType(strings.ToUpper(o.OrderType)),
		Price:    tradingmath.ParseOrZero(o.Price),
		Quantity: tradingmath.ParseOrZero(o.Qty),
		Executed: tradingmath.ParseOrZero(o.CumExecQty),
		Status:   mapStatus(o.OrderStatus),
	}
}

func (c *Client) listOrders(ctx context.Context, params url.Values) ([]orderRecord, error) {
	params.Set("category", category)
	raw, err := c.signedGet(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		List []orderRecord `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return res.List, nil
}

// GetOpenOrders returns active orders for symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("openOnly", "0")
	records, err := c.listOrders(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(records))
	for _, r := range records {
		o := r.toOpenOrder()
		if o.Status == common.StatusNew || o.Status == common.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetOrder returns execution facts for one order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	records, err := c.listOrders(ctx, params)
	if err != nil {
		return common.OrderResult{}, err
	}
	for _, r := range records {
		if r.OrderID != orderID {
			continue
		}
		return common.OrderResult{
			OrderID:     r.OrderID,
			ClientID:    r.OrderLinkID,
			Symbol:      r.Symbol,
			Status:      mapStatus(r.OrderStatus),
			ExecutedQty: tradingmath.ParseOrZero(r.CumExecQty),
			QuoteQty:    tradingmath.ParseOrZero(r.CumExecValue),
		}, nil
	}
	return common.OrderResult{}, fmt.Errorf("bybit order %s: %w", orderID, common.ErrUnknownOrder)
}

// GetExecutions returns account executions for symbol, oldest first.
func (c *Client) GetExecutions(ctx context.Context, symbol, orderID string, limit int) ([]common.Trade, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.signedGet(ctx, "/v5/execution/list", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			ExecID    string `json:"execId"`
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecTime  string `json:"execTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	out := make([]common.Trade, 0, len(res.List))
	for _, e := range res.List {
		ms, _ := strconv.ParseInt(e.ExecTime, 10, 64)
		out = append(out, common.Trade{
			ID:      e.ExecID,
			OrderID: e.OrderID,
			Symbol:  e.Symbol,
			IsBuy:   parseSide(e.Side) == common.SideBuy,
			Price:   tradingmath.ParseOrZero(e.ExecPrice),
			Qty:     tradingmath.ParseOrZero(e.ExecQty),
			Time:    time.UnixMilli(ms).UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
