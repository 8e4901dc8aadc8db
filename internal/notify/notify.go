// Package notify delivers order lifecycle notifications to external
// collaborators. Delivery is fire-and-forget: failures are logged, never
// returned to the lifecycle components.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/order"
)

// Event kinds.
const (
	EventOpen        = "open"
	EventClose       = "close"
	EventTpHit       = "tp_hit"
	EventSlHit       = "sl_hit"
	EventTpCancelled = "tp_cancelled"
)

// Notifier receives lifecycle notifications.
type Notifier interface {
	NotifyOpen(ctx context.Context, o *order.Order)
	NotifyClose(ctx context.Context, o *order.Order, reason string)
	NotifyTpHit(ctx context.Context, o *order.Order, price float64)
	NotifySlHit(ctx context.Context, o *order.Order, price float64)
	NotifyTpCancelled(ctx context.Context, o *order.Order)
}

// Message is the serialized form of one notification.
type Message struct {
	Event    string    `json:"event"`
	OrderID  int64     `json:"order_id"`
	UserID   string    `json:"user_id"`
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Status   string    `json:"status"`
	Time     time.Time `json:"time"`
}

func newMessage(event string, o *order.Order, price float64, reason string) Message {
	return Message{
		Event:    event,
		OrderID:  o.ID,
		UserID:   o.UserID,
		Exchange: o.ExchangeName,
		Symbol:   o.Symbol,
		Quantity: o.Quantity,
		Price:    price,
		Reason:   reason,
		Status:   string(o.Status),
		Time:     time.Now().UTC(),
	}
}

// sink adapts a single publish function to Notifier.
type sink func(ctx context.Context, m Message)

func (s sink) NotifyOpen(ctx context.Context, o *order.Order) {
	s(ctx, newMessage(EventOpen, o, o.ExecutedPrice, ""))
}

func (s sink) NotifyClose(ctx context.Context, o *order.Order, reason string) {
	s(ctx, newMessage(EventClose, o, 0, reason))
}

func (s sink) NotifyTpHit(ctx context.Context, o *order.Order, price float64) {
	s(ctx, newMessage(EventTpHit, o, price, ""))
}

func (s sink) NotifySlHit(ctx context.Context, o *order.Order, price float64) {
	s(ctx, newMessage(EventSlHit, o, price, ""))
}

func (s sink) NotifyTpCancelled(ctx context.Context, o *order.Order) {
	s(ctx, newMessage(EventTpCancelled, o, 0, ""))
}

// NewLog returns a notifier that writes each notification as a log line.
func NewLog(log zerolog.Logger) Notifier {
	l := log.With().Str("component", "notify").Logger()
	return sink(func(_ context.Context, m Message) {
		l.Info().
			Str("event", m.Event).
			Int64("order_id", m.OrderID).
			Str("user_id", m.UserID).
			Str("symbol", m.Symbol).
			Float64("quantity", m.Quantity).
			Float64("price", m.Price).
			Str("reason", m.Reason).
			Msg("order notification")
	})
}

// Nop discards notifications.
var Nop Notifier = sink(func(context.Context, Message) {})

// Multi fans out to every notifier.
type Multi []Notifier

func (m Multi) NotifyOpen(ctx context.Context, o *order.Order) {
	for _, n := range m {
		n.NotifyOpen(ctx, o)
	}
}

func (m Multi) NotifyClose(ctx context.Context, o *order.Order, reason string) {
	for _, n := range m {
		n.NotifyClose(ctx, o, reason)
	}
}

func (m Multi) NotifyTpHit(ctx context.Context, o *order.Order, price float64) {
	for _, n := range m {
		n.NotifyTpHit(ctx, o, price)
	}
}

func (m Multi) NotifySlHit(ctx context.Context, o *order.Order, price float64) {
	for _, n := range m {
		n.NotifySlHit(ctx, o, price)
	}
}

func (m Multi) NotifyTpCancelled(ctx context.Context, o *order.Order) {
	for _, n := range m {
		n.NotifyTpCancelled(ctx, o)
	}
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Notifier
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.Notifier = sink(func(_ context.Context, m Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	return r
}

// Messages returns a copy of everything recorded.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Events returns the recorded event kinds in order.
func (r *Recorder) Events() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Event)
	}
	return out
}
