package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spotkeeper/internal/order"
)

func sampleOrder() *order.Order {
	return &order.Order{ID: 7, UserID: "42", ExchangeName: "binance", Symbol: "BTCUSDC", Quantity: 0.5, Status: order.StatusClosedTP}
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "spotkeeper:user:42:orders")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedis(client, "", zerolog.Nop())
	n.NotifyTpHit(ctx, sampleOrder(), 120)

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got Message
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Event != EventTpHit || got.OrderID != 7 || got.Price != 120 || got.Status != "CLOSED_TP" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestRedisFailureIsSwallowed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	var buf bytes.Buffer
	n := NewRedis(client, "events", zerolog.New(&buf))
	n.NotifyOpen(context.Background(), sampleOrder())
	if !strings.Contains(buf.String(), "publish notification failed") {
		t.Fatalf("expected a warning, got %q", buf.String())
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, b, Nop}
	ctx := context.Background()
	o := sampleOrder()

	m.NotifyOpen(ctx, o)
	m.NotifyClose(ctx, o, "external")
	m.NotifySlHit(ctx, o, 90)
	m.NotifyTpCancelled(ctx, o)

	want := []string{EventOpen, EventClose, EventSlHit, EventTpCancelled}
	for _, r := range []*Recorder{a, b} {
		got := r.Events()
		if len(got) != len(want) {
			t.Fatalf("events=%v, expected %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("events=%v, expected %v", got, want)
			}
		}
	}
	if a.Messages()[1].Reason != "external" {
		t.Fatalf("reason lost: %+v", a.Messages()[1])
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	NewLog(zerolog.New(&buf)).NotifySlHit(context.Background(), sampleOrder(), 89.5)
	out := buf.String()
	if !strings.Contains(out, `"event":"sl_hit"`) || !strings.Contains(out, `"price":89.5`) {
		t.Fatalf("unexpected log line %s", out)
	}
}
