package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/tradingmath"
)

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// Balance represents an asset balance.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.signedGet(ctx, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

// SubmitOrder places a MARKET or LIMIT order with a FULL response so the
// fill breakdown is available.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Symbol == "" {
		return common.OrderResult{}, errEmptySymbol
	}
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", tradingmath.Canonical(req.Qty))
	params.Set("newOrderRespType", "FULL")
	if ordType == common.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("price", tradingmath.Canonical(req.Price))
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	out := common.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		ClientID:    resp.ClientOrderID,
		Symbol:      resp.Symbol,
		Status:      mapStatus(resp.Status),
		ExecutedQty: tradingmath.ParseOrZero(resp.ExecutedQty),
		QuoteQty:    tradingmath.ParseOrZero(resp.CummulativeQuoteQty),
	}
	for _, f := range resp.Fills {
		out.Fills = append(out.Fills, common.Fill{
			Price: tradingmath.ParseOrZero(f.Price),
			Qty:   tradingmath.ParseOrZero(f.Qty),
		})
	}
	return out, nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// OpenOrder represents a simplified open order view.
type OpenOrder struct {
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"orderId"`
	Side    string `json:"side"`
	Type    string `json:"type"`
	Price   string `json:"price"`
	OrigQty string `json:"origQty"`
	ExecQty string `json:"executedQty"`
	Status  string `json:"status"`
}

// GetOpenOrders returns current open orders; if symbol is empty, all symbols.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.signedGet(ctx, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// MyTrade represents an account trade.
type MyTrade struct {
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	OrderID  int64  `json:"orderId"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	QuoteQty string `json:"quoteQty"`
	Time     int64  `json:"time"`
	IsBuyer  bool   `json:"isBuyer"`
	IsMaker  bool   `json:"isMaker"`
}

// GetMyTrades returns account trades for a symbol.
func (c *Client) GetMyTrades(ctx context.Context, symbol string, limit int) ([]MyTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.signedGet(ctx, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var trades []MyTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}
	return trades, nil
}

func (t MyTrade) toCommon() common.Trade {
	return common.Trade{
		ID:      strconv.FormatInt(t.ID, 10),
		OrderID: strconv.FormatInt(t.OrderID, 10),
		Symbol:  t.Symbol,
		IsBuy:   t.IsBuyer,
		Price:   tradingmath.ParseOrZero(t.Price),
		Qty:     tradingmath.ParseOrZero(t.Qty),
		Time:    time.UnixMilli(t.Time).UTC(),
	}
}

func (o OpenOrder) toCommon() common.OpenOrder {
	return common.OpenOrder{
		OrderID:  strconv.FormatInt(o.OrderID, 10),
		Symbol:   o.Symbol,
		Side:     common.Side(strings.ToUpper(o.Side)),
		Type:     common.OrderType(strings.ToUpper(o.Type)),
		Price:    tradingmath.ParseOrZero(o.Price),
		Quantity: tradingmath.ParseOrZero(o.OrigQty),
		Executed: tradingmath.ParseOrZero(o.ExecQty),
		Status:   mapStatus(o.Status),
	}
}
