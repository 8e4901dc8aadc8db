package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/binance/spot"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
)

// DefaultKeepAlive is how often a Binance listen key is extended.
const DefaultKeepAlive = 30 * time.Minute

// BinanceSession is a user data stream bound to a fresh listen key.
type BinanceSession struct {
	client    *spot.Client
	key       db.AccountKey
	KeepAlive time.Duration
	log       zerolog.Logger
}

// NewBinanceSession creates a session for one account.
func NewBinanceSession(client *spot.Client, key db.AccountKey, log zerolog.Logger) *BinanceSession {
	return &BinanceSession{
		client:    client,
		key:       key,
		KeepAlive: DefaultKeepAlive,
		log: logger.Component(log, "stream").With().Str("exchange", "binance").
			Str("user_id", key.UserID).Bool("testnet", key.Testnet).Logger(),
	}
}

// Run implements Session.
func (s *BinanceSession) Run(ctx context.Context, out chan<- Event, ready func()) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.client.CloseListenKey(cctx, listenKey); err != nil {
			s.log.Warn().Err(err).Msg("close listen key failed")
		}
	}()

	conn, _, err := dialer.DialContext(ctx, s.client.StreamURL(listenKey), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	ready()
	s.log.Info().Msg("user data stream connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(gctx, listenKey); err != nil {
					s.log.Warn().Err(err).Msg("listen key keepalive failed")
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
			ev, ok, err := parseExecutionReport(msg)
			if err != nil {
				s.log.Warn().Err(err).Msg("unreadable user data event")
				continue
			}
			if !ok {
				continue
			}
			ev.UserID, ev.ExchangeID, ev.Testnet = s.key.UserID, s.key.ExchangeID, s.key.Testnet
			if err := emit(gctx, out, ev); err != nil {
				return err
			}
		}
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// parseExecutionReport decodes an executionReport payload. Other event types
// report ok=false.
func parseExecutionReport(msg []byte) (Event, bool, error) {
	// "e" is occasionally numeric on non-order events
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Event{}, false, err
	}
	var eventType string
	if v, ok := raw["e"]; !ok || json.Unmarshal(v, &eventType) != nil || eventType != "executionReport" {
		return Event{}, false, nil
	}

	var rep struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		Price         string `json:"p"`
		Qty           string `json:"q"`
		LastPrice     string `json:"L"`
		CumulativeQty string `json:"z"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return Event{}, false, fmt.Errorf("execution report: %w", err)
	}
	status := spot.MapStatus(rep.Status)
	if status == common.StatusExpired {
		status = common.StatusCanceled
	}
	if !routable(status) {
		return Event{}, false, nil
	}
	price := toFloat(rep.LastPrice)
	if price <= 0 {
		price = toFloat(rep.Price)
	}
	return Event{
		Exchange:       "binance",
		OrderID:        strconv.FormatInt(rep.OrderID, 10),
		Symbol:         rep.Symbol,
		Side:           common.Side(rep.Side),
		Status:         status,
		Price:          price,
		Quantity:       toFloat(rep.Qty),
		FilledQuantity: toFloat(rep.CumulativeQty),
	}, true, nil
}

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
