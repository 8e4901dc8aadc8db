package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/bybit"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
)

// DefaultPingInterval keeps the Bybit private stream alive.
const DefaultPingInterval = 20 * time.Second

const bybitOrderTopic = "order.spot"

// BybitSession is an authenticated private stream subscribed to spot orders.
type BybitSession struct {
	client       *bybit.Client
	key          db.AccountKey
	PingInterval time.Duration
	Now          func() time.Time
	log          zerolog.Logger
}

// NewBybitSession creates a session for one account.
func NewBybitSession(client *bybit.Client, key db.AccountKey, log zerolog.Logger) *BybitSession {
	return &BybitSession{
		client:       client,
		key:          key,
		PingInterval: DefaultPingInterval,
		Now:          time.Now,
		log: logger.Component(log, "stream").With().Str("exchange", "bybit").
			Str("user_id", key.UserID).Bool("testnet", key.Testnet).Logger(),
	}
}

type bybitOp struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

type bybitMessage struct {
	Op      string            `json:"op"`
	Success *bool             `json:"success"`
	RetMsg  string            `json:"ret_msg"`
	Topic   string            `json:"topic"`
	Data    []json.RawMessage `json:"data"`
}

// Run implements Session.
func (s *BybitSession) Run(ctx context.Context, out chan<- Event, ready func()) error {
	conn, _, err := dialer.DialContext(ctx, s.client.PrivateStreamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		return err
	}
	ready()
	s.log.Info().Msg("private stream connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := conn.WriteJSON(bybitOp{Op: "ping"}); err != nil {
					return fmt.Errorf("ping: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("read: %w", err)
			}
			events, err := parseBybitOrders(msg)
			if err != nil {
				s.log.Warn().Err(err).Msg("unreadable private stream message")
				continue
			}
			for _, ev := range events {
				ev.UserID, ev.ExchangeID, ev.Testnet = s.key.UserID, s.key.ExchangeID, s.key.Testnet
				if err := emit(gctx, out, ev); err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handshake authenticates and subscribes before any concurrent writer exists.
func (s *BybitSession) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(bybitOp{Op: "auth", Args: s.client.AuthArgs(s.Now())}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := awaitAck(conn, "auth"); err != nil {
		return err
	}
	if err := conn.WriteJSON(bybitOp{Op: "subscribe", Args: []any{bybitOrderTopic}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return awaitAck(conn, "subscribe")
}

func awaitAck(conn *websocket.Conn, op string) error {
	for {
		var msg bybitMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("%s response: %w", op, err)
		}
		if msg.Op != op {
			continue
		}
		if msg.Success == nil || !*msg.Success {
			return fmt.Errorf("bybit %s rejected: %s", op, msg.RetMsg)
		}
		return nil
	}
}

// parseBybitOrders decodes order topic pushes; control frames yield nothing.
func parseBybitOrders(msg []byte) ([]Event, error) {
	var m bybitMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(m.Topic, "order") {
		return nil, nil
	}
	var events []Event
	for _, item := range m.Data {
		var d struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderStatus string `json:"orderStatus"`
			Price       string `json:"price"`
			AvgPrice    string `json:"avgPrice"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			Category    string `json:"category"`
		}
		if err := json.Unmarshal(item, &d); err != nil {
			return events, fmt.Errorf("order item: %w", err)
		}
		if d.Category != "" && d.Category != "spot" {
			continue
		}
		status := bybit.MapStatus(d.OrderStatus)
		if !routable(status) {
			continue
		}
		price := toFloat(d.AvgPrice)
		if price <= 0 {
			price = toFloat(d.Price)
		}
		events = append(events, Event{
			Exchange:       "bybit",
			OrderID:        d.OrderID,
			Symbol:         d.Symbol,
			Side:           common.Side(strings.ToUpper(d.Side)),
			Status:         status,
			Price:          price,
			Quantity:       toFloat(d.Qty),
			FilledQuantity: toFloat(d.CumExecQty),
		})
	}
	return events, nil
}
