package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spotkeeper/internal/command"
	"spotkeeper/internal/entry"
	"spotkeeper/internal/exchangetest"
	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/internal/order"
	"spotkeeper/internal/order/ordertest"
	"spotkeeper/internal/protection"
	"spotkeeper/internal/scheduler"
	"spotkeeper/internal/stream"
	"spotkeeper/pkg/exchanges/common"
)

const symbol = "BTCUSDC"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStreams []stream.Status

func (f fakeStreams) Statuses() []stream.Status { return f }

type fakePool gateway.PoolStats

func (f fakePool) Stats() gateway.PoolStats { return gateway.PoolStats(f) }

type fakeJobs struct{ ran []string }

func (f *fakeJobs) Statuses() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: scheduler.JobReconcile, Spec: "@every 5m"}}
}

func (f *fakeJobs) Run(_ context.Context, name string) error {
	if name != scheduler.JobReconcile {
		return scheduler.ErrUnknownJob
	}
	f.ran = append(f.ran, name)
	return nil
}

type testServer struct {
	*httptest.Server
	store *order.Store
	ex    *exchangetest.Exchange
	jobs  *fakeJobs
}

func newTestAPIServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := ordertest.NewClock(start)
	store := ordertest.NewStore(t, clock)
	ex := exchangetest.New("binance")
	ex.Now = clock.Now
	ex.SetSymbol(common.SymbolInfo{Symbol: symbol, StepSize: 0.001, TickSize: 0.01, MinQty: 0.001, MinNotional: 5})
	ex.SetBalance("USDC", 10000, 0)
	ex.SetPrice(symbol, 105)

	adapters := exchangetest.Single(ex)
	protect := protection.New(store, nil, protection.DefaultConfig(), zerolog.Nop())
	entries := entry.New(store, adapters, protect, nil, nil, entry.DefaultConfig(), clock.Now, zerolog.Nop())
	commands := command.New(store, adapters, entries, protect, nil, nil, command.DefaultConfig(), clock.Now, zerolog.Nop())

	jobs := &fakeJobs{}
	server := NewServer(Deps{
		Metrics: monitor.New(nil).Handler(),
		Streams: fakeStreams{
			{UserID: "u1", ExchangeID: 1, Exchange: "binance", Connected: true},
			{UserID: "u2", ExchangeID: 2, Exchange: "bybit"},
		},
		Pool:     fakePool{Total: 2, MaxSize: 100, ByExchange: map[string]int{"binance": 1, "bybit": 1}},
		Jobs:     jobs,
		Commands: commands,
		Orders:   store,
	}, zerolog.Nop())

	ts := &testServer{Server: httptest.NewServer(server.Router), store: store, ex: ex, jobs: jobs}
	t.Cleanup(ts.Close)
	return ts
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, userID string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestAPIServer(t)

	var health map[string]string
	if status := doJSONRequest(t, ts.Client(), http.MethodGet, ts.URL+"/healthz", "", nil, &health); status != http.StatusOK {
		t.Fatalf("healthz status=%d", status)
	}
	if health["status"] != "ok" {
		t.Fatalf("health=%v", health)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body.String(), "spotkeeper_active_streams") {
		t.Fatalf("metrics status=%d body missing gauge", resp.StatusCode)
	}
}

func TestHealthNotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db closed") }}, zerolog.Nop())
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, expected 503", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()

	var streams struct {
		Streams   []stream.Status `json:"streams"`
		Total     int             `json:"total"`
		Connected int             `json:"connected"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/v1/streams", "", nil, &streams); status != http.StatusOK {
		t.Fatalf("streams status=%d", status)
	}
	if streams.Total != 2 || streams.Connected != 1 || streams.Streams[0].Exchange != "binance" {
		t.Fatalf("unexpected streams %+v", streams)
	}

	var pool gateway.PoolStats
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/v1/pool", "", nil, &pool); status != http.StatusOK {
		t.Fatalf("pool status=%d", status)
	}
	if pool.Total != 2 || pool.MaxSize != 100 || pool.ByExchange["bybit"] != 1 {
		t.Fatalf("unexpected pool %+v", pool)
	}

	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/jobs/reconcile/run", "", nil, nil); status != http.StatusOK {
		t.Fatalf("run job status=%d", status)
	}
	if len(ts.jobs.ran) != 1 {
		t.Fatalf("jobs ran=%v", ts.jobs.ran)
	}
	var e errorResponse
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/jobs/nope/run", "", nil, &e); status != http.StatusNotFound {
		t.Fatalf("unknown job status=%d", status)
	}
}

func TestOrdersRequireUser(t *testing.T) {
	ts := newTestAPIServer(t)
	var e errorResponse
	status := doJSONRequest(t, ts.Client(), http.MethodGet, ts.URL+"/v1/orders/1", "", nil, &e)
	if status != http.StatusUnauthorized || e.Code != "UNAUTHORIZED" {
		t.Fatalf("status=%d code=%s", status, e.Code)
	}
}

func TestCreateOrderFlow(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()

	payload := map[string]any{
		"exchange_id": 1, "symbol": symbol, "quantity": 10, "entry_price": 100, "max_entry": 110,
		"take_profit": 120, "stop_loss": 90, "entry_interval": "1h",
	}
	var created orderView
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders", "u1", payload, &created); status != http.StatusCreated {
		t.Fatalf("create status=%d", status)
	}
	if created.ID == 0 || created.Status != string(order.StatusPending) || created.UserID != "u1" {
		t.Fatalf("unexpected order %+v", created)
	}

	url := ts.URL + "/v1/orders/" + jsonID(created.ID)
	var e errorResponse
	if status := doJSONRequest(t, client, http.MethodGet, url, "u2", nil, &e); status != http.StatusNotFound {
		t.Fatalf("foreign read status=%d, expected 404", status)
	}

	var cancelled orderView
	if status := doJSONRequest(t, client, http.MethodDelete, url, "u1", nil, &cancelled); status != http.StatusOK {
		t.Fatalf("cancel status=%d", status)
	}
	if cancelled.Status != string(order.StatusCancelled) || cancelled.ClosedAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if status := doJSONRequest(t, client, http.MethodDelete, url, "u1", nil, &e); status != http.StatusConflict || e.Code != "INVALID_STATE" {
		t.Fatalf("second cancel status=%d code=%s", status, e.Code)
	}
}

func TestCreateOrderErrors(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()

	var e errorResponse
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders", "u1", map[string]any{"symbol": symbol}, &e)
	if status != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
		t.Fatalf("status=%d code=%s, expected 400 INVALID_REQUEST", status, e.Code)
	}

	ladder := map[string]any{
		"exchange_id": 1, "symbol": symbol, "quantity": 10, "entry_price": 100, "max_entry": 110,
		"take_profit": 95, "stop_loss": 90, "entry_interval": "1h",
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders", "u1", ladder, &e)
	if status != http.StatusUnprocessableEntity || e.Code != "VALIDATION_FAILED" {
		t.Fatalf("status=%d code=%s, expected 422 VALIDATION_FAILED", status, e.Code)
	}
}

func TestHoldingCloseFlow(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()
	ts.ex.SetBalance("BTC", 2, 0)

	var held orderView
	payload := map[string]any{"exchange_id": 1, "symbol": symbol, "quantity": 2, "entry_price": 100, "take_profit": 120}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders/holdings", "u1", payload, &held); status != http.StatusCreated {
		t.Fatalf("holding status=%d", status)
	}
	if held.Status != string(order.StatusExecuted) || held.TPOrderID == "" || held.ExecutedAt == nil {
		t.Fatalf("unexpected holding %+v", held)
	}

	url := ts.URL + "/v1/orders/" + jsonID(held.ID)
	var updated orderView
	if status := doJSONRequest(t, client, http.MethodPut, url+"/protection", "u1",
		map[string]any{"take_profit": 130, "stop_loss": 95}, &updated); status != http.StatusOK {
		t.Fatalf("protection status=%d", status)
	}
	if updated.TakeProfit != 130 || updated.StopLoss != 95 {
		t.Fatalf("unexpected update %+v", updated)
	}

	var closed orderView
	if status := doJSONRequest(t, client, http.MethodPost, url+"/close", "u1", nil, &closed); status != http.StatusOK {
		t.Fatalf("close status=%d", status)
	}
	if closed.Status != string(order.StatusClosedManual) || closed.TPOrderID != "" {
		t.Fatalf("unexpected close %+v", closed)
	}
	if open := ts.ex.OpenOrders(symbol); len(open) != 0 {
		t.Fatalf("open orders left %+v", open)
	}
}

func TestSplitEndpoint(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()
	ts.ex.SetBalance("BTC", 10, 0)

	var held orderView
	payload := map[string]any{"exchange_id": 1, "symbol": symbol, "quantity": 10, "entry_price": 100, "take_profit": 120}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders/holdings", "u1", payload, &held); status != http.StatusCreated {
		t.Fatalf("holding status=%d", status)
	}

	var split struct {
		Orders []orderView `json:"orders"`
	}
	url := ts.URL + "/v1/orders/" + jsonID(held.ID) + "/split"
	if status := doJSONRequest(t, client, http.MethodPost, url, "u1",
		map[string]any{"first_qty": 4, "first_tp": 120, "second_tp": 140}, &split); status != http.StatusOK {
		t.Fatalf("split status=%d", status)
	}
	if len(split.Orders) != 2 || split.Orders[0].Quantity != 4 || split.Orders[1].Quantity != 6 {
		t.Fatalf("unexpected split %+v", split.Orders)
	}
}

func TestSplitEndpointPartialProtection(t *testing.T) {
	ts := newTestAPIServer(t)
	client := ts.Client()
	ts.ex.SetBalance("BTC", 10, 0)

	var held orderView
	payload := map[string]any{"exchange_id": 1, "symbol": symbol, "quantity": 10, "entry_price": 100, "take_profit": 120}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/v1/orders/holdings", "u1", payload, &held); status != http.StatusCreated {
		t.Fatalf("holding status=%d", status)
	}

	places := 0
	ts.ex.PlaceHook = func(common.OrderRequest) error {
		places++
		if places == 2 {
			return errors.New("rejected")
		}
		return nil
	}
	ts.ex.CancelHook = func(id string) error {
		if id == held.TPOrderID {
			return nil
		}
		return errors.New("exchange busy")
	}

	var e errorResponse
	url := ts.URL + "/v1/orders/" + jsonID(held.ID) + "/split"
	status := doJSONRequest(t, client, http.MethodPost, url, "u1",
		map[string]any{"first_qty": 4, "first_tp": 120, "second_tp": 140}, &e)
	if status != http.StatusInternalServerError || e.Code != "PROTECTION_PARTIAL" {
		t.Fatalf("status=%d code=%s, expected 500 PROTECTION_PARTIAL", status, e.Code)
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
