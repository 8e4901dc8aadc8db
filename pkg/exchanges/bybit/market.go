package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/tradingmath"
)

var klineIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

// GetSymbolInfo reads lotSizeFilter and priceFilter for a spot instrument.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	raw, err := c.publicGet(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("decode instruments info: %w", err)
	}
	for _, it := range res.List {
		if it.Symbol != symbol {
			continue
		}
		return common.SymbolInfo{
			Symbol:      symbol,
			StepSize:    tradingmath.ParseOrZero(it.LotSizeFilter.BasePrecision),
			MinQty:      tradingmath.ParseOrZero(it.LotSizeFilter.MinOrderQty),
			MinNotional: tradingmath.ParseOrZero(it.LotSizeFilter.MinOrderAmt),
			TickSize:    tradingmath.ParseOrZero(it.PriceFilter.TickSize),
		}.WithDefaults(), nil
	}
	return common.SymbolInfo{}, fmt.Errorf("bybit: symbol %s not listed", symbol)
}

// GetTickerPrice returns the last traded price.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	raw, err := c.publicGet(ctx, "/v5/market/tickers", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	return tradingmath.Parse(res.List[0].LastPrice)
}

// GetKlines returns candles oldest first. Bybit reports only the start
// time, so the close time is derived from the interval length.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	norm := common.NormalizeInterval(interval)
	code, ok := klineIntervals[norm]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported interval %q", interval)
	}
	span, err := common.IntervalDuration(norm)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", code)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.publicGet(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	candles := make([]common.Candle, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open := time.UnixMilli(start).UTC()
		candles = append(candles, common.Candle{
			OpenTime:  open,
			CloseTime: open.Add(span - time.Millisecond),
			Open:      tradingmath.ParseOrZero(row[1]),
			High:      tradingmath.ParseOrZero(row[2]),
			Low:       tradingmath.ParseOrZero(row[3]),
			Close:     tradingmath.ParseOrZero(row[4]),
			Volume:    tradingmath.ParseOrZero(row[5]),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}
