// Package stream keeps one authenticated push connection per exchange
// account and routes order updates into the order store.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spotkeeper/internal/gateway"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/binance/spot"
	"spotkeeper/pkg/exchanges/bybit"
	"spotkeeper/pkg/exchanges/common"
)

// Event is an order update normalized across exchanges.
type Event struct {
	Exchange       string
	OrderID        string
	Symbol         string
	Side           common.Side
	Status         common.OrderStatus
	Price          float64
	Quantity       float64
	FilledQuantity float64
	UserID         string
	ExchangeID     int64
	Testnet        bool
}

// Key returns the account the event belongs to.
func (e Event) Key() db.AccountKey {
	return db.AccountKey{UserID: e.UserID, ExchangeID: e.ExchangeID, Testnet: e.Testnet}
}

// routable reports whether the status is one the router acts on.
func routable(s common.OrderStatus) bool {
	switch s {
	case common.StatusNew, common.StatusPartiallyFilled, common.StatusFilled, common.StatusCanceled:
		return true
	}
	return false
}

// Session is one connection attempt. Run calls ready once the stream is
// authenticated and subscribed, then blocks delivering events until the
// connection drops or ctx is cancelled.
type Session interface {
	Run(ctx context.Context, out chan<- Event, ready func()) error
}

// Connector builds the session for an account from its pooled adapter.
type Connector func(acct db.Account, adapter common.Adapter) (Session, error)

// NewConnector returns the Connector for the supported exchanges.
func NewConnector(log zerolog.Logger) Connector {
	return func(acct db.Account, adapter common.Adapter) (Session, error) {
		kind, err := gateway.ParseKind(acct.ExchangeName)
		if err != nil {
			return nil, err
		}
		key := acct.Key()
		switch kind {
		case gateway.KindBinance:
			a, ok := adapter.(*spot.Adapter)
			if !ok {
				return nil, fmt.Errorf("stream: binance account served by %T", adapter)
			}
			return NewBinanceSession(a.Client(), key, log), nil
		case gateway.KindBybit:
			a, ok := adapter.(*bybit.Adapter)
			if !ok {
				return nil, fmt.Errorf("stream: bybit account served by %T", adapter)
			}
			return NewBybitSession(a.Client(), key, log), nil
		}
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnsupportedExchange, acct.ExchangeName)
	}
}

var dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

func emit(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
