package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/exchangetest"
	"spotkeeper/internal/notify"
	"spotkeeper/internal/order"
	"spotkeeper/internal/order/ordertest"
	"spotkeeper/internal/protection"
	"spotkeeper/pkg/exchanges/common"
)

const symbol = "BTCUSDC"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type routerFixture struct {
	clock    *ordertest.Clock
	store    *order.Store
	ex       *exchangetest.Exchange
	notifier *notify.Recorder
	router   *Router
	order    *order.Order
}

func newRouterFixture(t *testing.T, o *order.Order) *routerFixture {
	t.Helper()
	clock := ordertest.NewClock(start)
	store := ordertest.NewStore(t, clock)
	ex := exchangetest.New("binance")
	ex.SetSymbol(common.SymbolInfo{Symbol: symbol, StepSize: 0.001, TickSize: 0.01, MinQty: 0.001, MinNotional: 5})
	rec := notify.NewRecorder()
	protect := protection.New(store, nil, protection.DefaultConfig(), zerolog.Nop())
	f := &routerFixture{
		clock:    clock,
		store:    store,
		ex:       ex,
		notifier: rec,
		router:   NewRouter(store, exchangetest.Single(ex), protect, rec, nil, DefaultRouterConfig(), clock.Now, zerolog.Nop()),
	}
	f.order = ordertest.Insert(t, store, o)
	return f
}

// protectedFixture is an executed 10 BTC position with TP sell "555" at 120.
func protectedFixture(t *testing.T) *routerFixture {
	f := newRouterFixture(t, &order.Order{
		Symbol: symbol, Quantity: 10, EntryPrice: 100, TakeProfit: 120, StopLoss: 90,
		EntryInterval: "1h", ExecutedPrice: 100, ExecutedAt: start.Add(-time.Hour),
		TPOrderID: "555", EntryOrderID: "444", Status: order.StatusExecuted,
	})
	f.ex.SetBalance("BTC", 0, 10)
	f.ex.AddOpenOrder(common.OpenOrder{OrderID: "555", Symbol: symbol, Side: common.SideSell, Type: common.OrderTypeLimit, Price: 120, Quantity: 10})
	return f
}

func (f *routerFixture) event(side common.Side, status common.OrderStatus, id string) Event {
	return Event{
		Exchange: "binance", OrderID: id, Symbol: symbol, Side: side, Status: status,
		UserID: f.order.UserID, ExchangeID: f.order.ExchangeID, Testnet: f.order.Testnet,
	}
}

func TestRouterTakeProfitFilled(t *testing.T) {
	f := protectedFixture(t)
	ev := f.event(common.SideSell, common.StatusFilled, "555")
	ev.Price, ev.Quantity, ev.FilledQuantity = 120, 10, 10

	res, err := f.router.Handle(context.Background(), ev)
	if err != nil || res != ResultClosedTP {
		t.Fatalf("Handle=%s,%v, expected %s", res, err, ResultClosedTP)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusClosedTP || got.TPOrderID != "" || !got.ClosedAt.Equal(start) {
		t.Fatalf("unexpected order %+v", got)
	}
	msgs := f.notifier.Messages()
	if len(msgs) != 1 || msgs[0].Event != notify.EventTpHit || msgs[0].Price != 120 {
		t.Fatalf("unexpected notifications %+v", msgs)
	}

	// a duplicate delivery changes nothing
	res, err = f.router.Handle(context.Background(), ev)
	if err != nil || res != ResultIgnored {
		t.Fatalf("duplicate Handle=%s,%v, expected ignored", res, err)
	}
	if n := len(f.notifier.Events()); n != 1 {
		t.Fatalf("notifications=%d, expected 1", n)
	}
}

func TestRouterProtectionCancelled(t *testing.T) {
	f := protectedFixture(t)
	res, err := f.router.Handle(context.Background(), f.event(common.SideSell, common.StatusCanceled, "555"))
	if err != nil || res != ResultCancelled {
		t.Fatalf("Handle=%s,%v, expected %s", res, err, ResultCancelled)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusClosedExternally || got.TPOrderID != "" {
		t.Fatalf("unexpected order %+v", got)
	}
	if ev := f.notifier.Events(); len(ev) != 1 || ev[0] != notify.EventTpCancelled {
		t.Fatalf("events=%v", ev)
	}
}

func TestRouterFilledAfterTPCleared(t *testing.T) {
	f := protectedFixture(t)
	// a concurrent split already replaced the protection
	if err := f.store.Patch(context.Background(), f.order.ID, order.Update{TPOrderID: order.ClearTP()}, order.OpenStatuses...); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	res, err := f.router.Handle(context.Background(), f.event(common.SideSell, common.StatusFilled, "555"))
	if err != nil || res != ResultIgnored {
		t.Fatalf("Handle=%s,%v, expected ignored", res, err)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Status != order.StatusExecuted {
		t.Fatalf("status=%s, expected EXECUTED", got.Status)
	}
	if n := len(f.notifier.Events()); n != 0 {
		t.Fatalf("notifications=%d, expected 0", n)
	}
}

func TestRouterIgnoresLeasedOrder(t *testing.T) {
	f := protectedFixture(t)
	if err := f.store.AcquireLease(context.Background(), f.order.ID, "api:update", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	res, err := f.router.Handle(context.Background(), f.event(common.SideSell, common.StatusCanceled, "555"))
	if err != nil || res != ResultIgnored {
		t.Fatalf("Handle=%s,%v, expected ignored", res, err)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Status != order.StatusExecuted || got.TPOrderID != "555" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestRouterIgnoresOtherAccounts(t *testing.T) {
	f := protectedFixture(t)
	ev := f.event(common.SideSell, common.StatusFilled, "555")
	ev.UserID = "someone-else"
	if res, err := f.router.Handle(context.Background(), ev); err != nil || res != ResultIgnored {
		t.Fatalf("Handle=%s,%v, expected ignored", res, err)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Status != order.StatusExecuted {
		t.Fatalf("status=%s", got.Status)
	}
}

// partialFixture tracks a buy of 10 that has filled 5 so far, protected
// for those 5.
func partialFixture(t *testing.T) *routerFixture {
	f := newRouterFixture(t, &order.Order{
		Symbol: symbol, Quantity: 5, EntryPrice: 100, TakeProfit: 120, StopLoss: 90,
		EntryInterval: "1h", ExecutedPrice: 100, ExecutedAt: start.Add(-time.Minute),
		TPOrderID: "555", EntryOrderID: "444", Status: order.StatusPartialFilled,
	})
	f.ex.SetBalance("BTC", 3, 5)
	f.ex.AddOpenOrder(common.OpenOrder{OrderID: "555", Symbol: symbol, Side: common.SideSell, Type: common.OrderTypeLimit, Price: 120, Quantity: 5})
	return f
}

func TestRouterBuyPartialFillResizesProtection(t *testing.T) {
	f := partialFixture(t)
	ev := f.event(common.SideBuy, common.StatusPartiallyFilled, "444")
	ev.Price, ev.Quantity, ev.FilledQuantity = 102, 10, 8

	res, err := f.router.Handle(context.Background(), ev)
	if err != nil || res != ResultResized {
		t.Fatalf("Handle=%s,%v, expected %s", res, err, ResultResized)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusPartialFilled || got.Quantity != 8 {
		t.Fatalf("unexpected order %+v", got)
	}
	// (5*100 + 3*102) / 8
	if want := 100.75; got.ExecutedPrice != want {
		t.Fatalf("executed price=%v, expected %v", got.ExecutedPrice, want)
	}
	sells := f.ex.OpenOrders(symbol)
	if len(sells) != 1 || sells[0].OrderID != got.TPOrderID || sells[0].Quantity != 8 || sells[0].Price != 120 {
		t.Fatalf("protection not resized: tp=%s open=%+v", got.TPOrderID, sells)
	}
}

func TestRouterBuyFilledPromotes(t *testing.T) {
	f := partialFixture(t)
	f.ex.SetBalance("BTC", 5, 5)
	ev := f.event(common.SideBuy, common.StatusFilled, "444")
	ev.Price, ev.Quantity, ev.FilledQuantity = 100, 10, 10

	res, err := f.router.Handle(context.Background(), ev)
	if err != nil || res != ResultPromoted {
		t.Fatalf("Handle=%s,%v, expected %s", res, err, ResultPromoted)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusExecuted || got.Quantity != 10 {
		t.Fatalf("unexpected order %+v", got)
	}

	// a stale partial event after promotion is ignored
	stale := f.event(common.SideBuy, common.StatusPartiallyFilled, "444")
	stale.Quantity, stale.FilledQuantity = 10, 7
	if res, err := f.router.Handle(context.Background(), stale); err != nil || res != ResultIgnored {
		t.Fatalf("stale Handle=%s,%v, expected ignored", res, err)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Quantity != 10 {
		t.Fatalf("quantity=%v, expected 10", got.Quantity)
	}
}

func TestRouterRun(t *testing.T) {
	f := protectedFixture(t)
	events := make(chan Event, 1)
	events <- f.event(common.SideSell, common.StatusFilled, "555")
	close(events)

	if err := f.router.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Status != order.StatusClosedTP {
		t.Fatalf("status=%s, expected CLOSED_TP", got.Status)
	}
}
