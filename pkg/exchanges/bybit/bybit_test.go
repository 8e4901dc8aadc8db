package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/retry"
)

type recorded struct {
	method string
	path   string
	query  url.Values
	body   map[string]string
	sign   string
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{},"time":%d}`, time.Now().UnixMilli())
			return
		}
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.Query(), sign: r.Header.Get("X-BAPI-SIGN")}
		if r.Method == http.MethodPost {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &rec.body)
		}
		mu.Lock()
		calls = append(calls, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	fast := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, Retry: &fast})
	return c, &calls
}

func ok(result string) string {
	return `{"retCode":0,"retMsg":"OK","result":` + result + `,"time":1}`
}

func TestMarketOrderReadsBackExecution(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/create":
			fmt.Fprint(w, ok(`{"orderId":"9001","orderLinkId":"link"}`))
		case "/v5/order/realtime":
			fmt.Fprint(w, ok(`{"list":[{"orderId":"9001","orderLinkId":"link","symbol":"BTCUSDT",
				"side":"Buy","orderType":"Market","qty":"2","cumExecQty":"2","cumExecValue":"200400",
				"avgPrice":"100200","orderStatus":"Filled"}]}`))
		case "/v5/execution/list":
			fmt.Fprint(w, ok(`{"list":[
				{"execId":"e2","orderId":"9001","symbol":"BTCUSDT","side":"Buy","execPrice":"100400","execQty":"1","execTime":"2000"},
				{"execId":"e1","orderId":"9001","symbol":"BTCUSDT","side":"Buy","execPrice":"100000","execQty":"1","execTime":"1000"}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	res, err := NewAdapter(c).PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "9001" || res.Status != common.StatusFilled {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.AvgPrice(); got != 100200 {
		t.Fatalf("AvgPrice=%v, expected 100200", got)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("fills=%d, expected 2", len(res.Fills))
	}

	create := (*calls)[0]
	if create.method != http.MethodPost || create.path != "/v5/order/create" {
		t.Fatalf("unexpected first call %+v", create)
	}
	if create.body["category"] != "spot" || create.body["side"] != "Buy" || create.body["orderType"] != "Market" {
		t.Fatalf("unexpected body %v", create.body)
	}
	if create.body["marketUnit"] != "baseCoin" || create.body["qty"] != "2" {
		t.Fatalf("unexpected qty fields %v", create.body)
	}
	if create.sign == "" {
		t.Fatal("request was not signed")
	}
}

func TestMarketOrderPollsLaggingReadBack(t *testing.T) {
	var lookups atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/create":
			fmt.Fprint(w, ok(`{"orderId":"9002","orderLinkId":"link"}`))
		case "/v5/order/realtime":
			if lookups.Add(1) == 1 {
				fmt.Fprint(w, ok(`{"list":[{"orderId":"9002","symbol":"BTCUSDT","side":"Buy","qty":"1",
					"cumExecQty":"0","cumExecValue":"0","orderStatus":"New"}]}`))
				return
			}
			fmt.Fprint(w, ok(`{"list":[{"orderId":"9002","symbol":"BTCUSDT","side":"Buy","qty":"1",
				"cumExecQty":"1","cumExecValue":"100000","orderStatus":"Filled"}]}`))
		case "/v5/execution/list":
			fmt.Fprint(w, ok(`{"list":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	c.cfg.ReadBackDelay = time.Millisecond

	res, err := NewAdapter(c).PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.FilledQty() != 1 || res.Status != common.StatusFilled {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := lookups.Load(); n != 2 {
		t.Fatalf("lookups=%d, expected 2", n)
	}
}

func TestMarketOrderUnresolvedReadBackStillReturnsID(t *testing.T) {
	var lookups atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/create":
			fmt.Fprint(w, ok(`{"orderId":"9003","orderLinkId":"link"}`))
		case "/v5/order/realtime":
			lookups.Add(1)
			fmt.Fprint(w, ok(`{"list":[{"orderId":"9003","symbol":"BTCUSDT","side":"Buy","qty":"1",
				"cumExecQty":"0","cumExecValue":"0","orderStatus":"New"}]}`))
		case "/v5/execution/list":
			fmt.Fprint(w, ok(`{"list":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	c.cfg.ReadBackDelay = time.Millisecond

	res, err := NewAdapter(c).PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "9003" || res.FilledQty() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := lookups.Load(); n != readBackAttempts {
		t.Fatalf("lookups=%d, expected %d", n, readBackAttempts)
	}
}

func TestLimitOrderSendsPriceAndGTC(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ok(`{"orderId":"77","orderLinkId":"x"}`))
	})
	res, err := NewAdapter(c).PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "ETHUSDT", Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 0.5, Price: 3100.25,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "77" || res.Status != common.StatusNew {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*calls) != 1 {
		t.Fatalf("limit order should not read back, calls=%d", len(*calls))
	}
	body := (*calls)[0].body
	if body["price"] != "3100.25" || body["timeInForce"] != "GTC" || body["side"] != "Sell" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":170213,"retMsg":"Order does not exist.","result":{},"time":1}`)
	})
	err := c.CancelOrder(context.Background(), "BTCUSDT", "1")
	if !errors.Is(err, common.ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			fmt.Fprint(w, `{"retCode":10006,"retMsg":"Too many visits!","result":{},"time":1}`)
			return
		}
		fmt.Fprint(w, ok(`{"list":[{"symbol":"BTCUSDT","lastPrice":"101000.5"}]}`))
	})
	price, err := c.GetTickerPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTickerPrice: %v", err)
	}
	if price != 101000.5 {
		t.Fatalf("price=%v", price)
	}
	if attempts != 2 {
		t.Fatalf("attempts=%d, expected 2", attempts)
	}
}

func TestSymbolInfoAndKlines(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			fmt.Fprint(w, ok(`{"list":[{"symbol":"BTCUSDT",
				"lotSizeFilter":{"basePrecision":"0.000001","minOrderQty":"0.000048","minOrderAmt":"1"},
				"priceFilter":{"tickSize":"0.01"}}]}`))
		case "/v5/market/kline":
			if r.URL.Query().Get("interval") != "60" {
				t.Errorf("interval=%s", r.URL.Query().Get("interval"))
			}
			fmt.Fprint(w, ok(`{"list":[
				["7200000","3","4","2","3.5","10","35"],
				["3600000","1","2","0.5","1.5","5","7"]]}`))
		}
	})
	info, err := c.GetSymbolInfo(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetSymbolInfo: %v", err)
	}
	if info.StepSize != 0.000001 || info.TickSize != 0.01 || info.MinNotional != 1 {
		t.Fatalf("unexpected info %+v", info)
	}

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", "H1", 2)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if len(candles) != 2 || candles[0].Close != 1.5 || candles[1].Close != 3.5 {
		t.Fatalf("unexpected candles %+v", candles)
	}
	if want := time.UnixMilli(7200000 - 1).UTC(); !candles[0].CloseTime.Equal(want) {
		t.Fatalf("close time=%v, expected %v", candles[0].CloseTime, want)
	}
}

func TestWalletBalanceAndOpenOrders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/account/wallet-balance":
			fmt.Fprint(w, ok(`{"list":[{"coin":[{"coin":"BTC","walletBalance":"1.5","locked":"0.5"}]}]}`))
		case "/v5/order/realtime":
			fmt.Fprint(w, ok(`{"list":[
				{"orderId":"1","symbol":"BTCUSDT","side":"Sell","orderType":"Limit","price":"110000","qty":"1","cumExecQty":"0","orderStatus":"New"},
				{"orderId":"2","symbol":"BTCUSDT","side":"Sell","orderType":"Limit","price":"120000","qty":"1","cumExecQty":"1","orderStatus":"Filled"}]}`))
		}
	})
	a := NewAdapter(c)
	bal, err := a.GetAssetBalanceDetail(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetAssetBalanceDetail: %v", err)
	}
	if bal.Free != 1 || bal.Locked != 0.5 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	orders, err := a.GetOpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "1" || orders[0].Side != common.SideSell {
		t.Fatalf("unexpected open orders %+v", orders)
	}
	if !common.HasOpenSell(orders) {
		t.Fatal("expected an open sell")
	}
}

func TestAuthArgs(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", Testnet: true})
	now := time.UnixMilli(1_000_000)
	args := c.AuthArgs(now)
	if len(args) != 3 || args[0] != "k" || args[1] != int64(1_010_000) {
		t.Fatalf("unexpected args %v", args)
	}
	if args[2] != sign("GET/realtime1010000", "s") {
		t.Fatalf("bad signature %v", args[2])
	}
	if c.PrivateStreamURL() != privateTestnet {
		t.Fatalf("url=%s", c.PrivateStreamURL())
	}
}
