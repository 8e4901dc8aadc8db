package stoploss

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

type fixture struct {
	clock    *ordertest.Clock
	store    *order.Store
	ex       *exchangetest.Exchange
	notifier *notify.Recorder
	eval     *Evaluator
	order    *order.Order
}

// newFixture holds a 10 BTC position bought at 100 two hours ago with a TP
// at 120 and a stop at 90.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := ordertest.NewClock(start)
	store := ordertest.NewStore(t, clock)
	ex := exchangetest.New("binance")
	ex.SetSymbol(common.SymbolInfo{Symbol: symbol, StepSize: 0.001, TickSize: 0.01, MinQty: 0.001, MinNotional: 5})
	ex.SetBalance("BTC", 0, 10)
	ex.SetPrice(symbol, 89)
	ex.AddOpenOrder(common.OpenOrder{OrderID: "555", Symbol: symbol, Side: common.SideSell, Type: common.OrderTypeLimit, Price: 120, Quantity: 10})

	executed := start.Add(-2 * time.Hour)
	o := ordertest.Insert(t, store, &order.Order{
		Symbol: symbol, Quantity: 10, EntryPrice: 100, TakeProfit: 120, StopLoss: 90,
		EntryInterval: "1h", ExecutedPrice: 100, ExecutedAt: executed, SLUpdatedAt: executed,
		TPOrderID: "555", Status: order.StatusExecuted,
	})
	rec := notify.NewRecorder()
	protect := protection.New(store, nil, protection.DefaultConfig(), zerolog.Nop())
	eval := New(store, exchangetest.Single(ex), protect, rec, nil, DefaultConfig(), clock.Now, zerolog.Nop())
	return &fixture{clock: clock, store: store, ex: ex, notifier: rec, eval: eval, order: o}
}

func (f *fixture) candle(closeTime time.Time, closePrice float64) {
	f.ex.SetKlines(symbol, "1h",
		common.Candle{OpenTime: closeTime.Add(-time.Hour + time.Millisecond), CloseTime: closeTime, Close: closePrice},
		common.Candle{OpenTime: closeTime.Add(time.Millisecond), CloseTime: closeTime.Add(time.Hour), Close: 1},
	)
}

func TestStopLossSellsPosition(t *testing.T) {
	f := newFixture(t)
	f.candle(start.Add(-time.Millisecond), 90)

	rep, err := f.eval.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Triggered != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusClosedSL || got.Quantity != 10 || got.TPOrderID != "" || !got.ClosedAt.Equal(start) {
		t.Fatalf("unexpected order %+v", got)
	}
	if len(f.ex.OpenOrders(symbol)) != 0 {
		t.Fatal("protection must be cancelled")
	}
	msgs := f.notifier.Messages()
	if len(msgs) != 1 || msgs[0].Event != notify.EventSlHit || msgs[0].Price != 89 {
		t.Fatalf("unexpected notifications %+v", msgs)
	}
}

func TestStopLossIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.candle(start.Add(-time.Millisecond), 85)

	for i := 0; i < 3; i++ {
		if _, err := f.eval.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
	}
	sells := 0
	for _, c := range f.ex.Calls() {
		if c.Method == "PlaceOrder" && c.Request.Side == common.SideSell && c.Request.Type == common.OrderTypeMarket {
			sells++
		}
	}
	if sells != 1 {
		t.Fatalf("market sells=%d, expected exactly 1", sells)
	}
	if n := len(f.notifier.Events()); n != 1 {
		t.Fatalf("notifications=%d, expected 1", n)
	}
}

func TestStopLossNotTriggeredAboveStop(t *testing.T) {
	f := newFixture(t)
	f.candle(start.Add(-time.Millisecond), 90.01)

	rep, _ := f.eval.RunOnce(context.Background())
	if rep.Triggered != 0 {
		t.Fatalf("unexpected trigger %+v", rep)
	}
	if got := ordertest.Reload(t, f.store, f.order.ID); got.Status != order.StatusExecuted {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestStopLossGraceWindow(t *testing.T) {
	f := newFixture(t)
	// stop was just moved
	if err := f.store.Patch(context.Background(), f.order.ID, order.Update{SLUpdatedAt: order.Time(start.Add(-30 * time.Second))}, order.OpenStatuses...); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	f.candle(start.Add(-time.Millisecond), 80)

	rep, _ := f.eval.RunOnce(context.Background())
	if rep.Grace != 1 || rep.Triggered != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	// past the grace window the candle closed after the reference and fires
	f.clock.Advance(31 * time.Second)
	rep, _ = f.eval.RunOnce(context.Background())
	if rep.Triggered != 1 {
		t.Fatalf("unexpected report after grace %+v", rep)
	}
}

func TestStopLossIgnoresCandleBeforeReference(t *testing.T) {
	f := newFixture(t)
	// stop reset 10 minutes ago; the last closed candle is older than that
	if err := f.store.Patch(context.Background(), f.order.ID, order.Update{SLUpdatedAt: order.Time(start.Add(-10 * time.Minute))}, order.OpenStatuses...); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	f.candle(start.Add(-20*time.Minute), 80)

	rep, _ := f.eval.RunOnce(context.Background())
	if rep.Triggered != 0 {
		t.Fatalf("retro-triggered on an old candle: %+v", rep)
	}
}

func TestStopLossPositionAlreadyGone(t *testing.T) {
	f := newFixture(t)
	f.ex.RemoveOpenOrder("555")
	f.ex.SetBalance("BTC", 0.0001, 0)
	f.candle(start.Add(-time.Millisecond), 80)

	if _, err := f.eval.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusClosedExternally || got.TPOrderID != "" {
		t.Fatalf("unexpected order %+v", got)
	}
	if ev := f.notifier.Events(); len(ev) != 1 || ev[0] != notify.EventClose {
		t.Fatalf("events=%v", ev)
	}
}

func TestStopLossSellsOnlyWhatIsLeft(t *testing.T) {
	f := newFixture(t)
	f.ex.RemoveOpenOrder("555")
	f.ex.SetBalance("BTC", 4, 0)
	f.candle(start.Add(-time.Millisecond), 80)

	if _, err := f.eval.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := ordertest.Reload(t, f.store, f.order.ID)
	if got.Status != order.StatusClosedSL || got.Quantity != 4 {
		t.Fatalf("unexpected order %+v", got)
	}
}
