package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/tradingmath"
)

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string         `json:"symbol"`
		Status  string         `json:"status"`
		Filters []symbolFilter `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolInfo reads LOT_SIZE, PRICE_FILTER and NOTIONAL/MIN_NOTIONAL.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	if symbol == "" {
		return common.SymbolInfo{}, errEmptySymbol
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.publicGet(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		out := common.SymbolInfo{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				out.StepSize = tradingmath.ParseOrZero(f.StepSize)
				out.MinQty = tradingmath.ParseOrZero(f.MinQty)
			case "PRICE_FILTER":
				out.TickSize = tradingmath.ParseOrZero(f.TickSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				if out.MinNotional == 0 {
					out.MinNotional = tradingmath.ParseOrZero(f.MinNotional)
				}
			}
		}
		return out.WithDefaults(), nil
	}
	return common.SymbolInfo{}, fmt.Errorf("binance: symbol %s not listed", symbol)
}

// GetTickerPrice returns the latest trade price.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.publicGet(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	return tradingmath.Parse(out.Price)
}

// GetKlines returns candles oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", common.NormalizeInterval(interval))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.publicGet(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime:  time.UnixMilli(toInt64(item[0])).UTC(),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: time.UnixMilli(toInt64(item[6])).UTC(),
		})
	}
	return candles, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
