package bybit

import (
	"strconv"
	"time"
)

const (
	privateMainnet = "wss://stream.bybit.com/v5/private"
	privateTestnet = "wss://stream-testnet.bybit.com/v5/private"
)

// PrivateStreamURL returns the private websocket endpoint.
func (c *Client) PrivateStreamURL() string {
	if c.cfg.StreamURL != "" {
		return c.cfg.StreamURL
	}
	if c.cfg.Testnet {
		return privateTestnet
	}
	return privateMainnet
}

// AuthArgs returns the args of the websocket auth op: api key, expiry in
// ms (now + 10s) and the signature of "GET/realtime"+expiry.
func (c *Client) AuthArgs(now time.Time) []any {
	expires := now.Add(10 * time.Second).UnixMilli()
	sig := sign("GET/realtime"+strconv.FormatInt(expires, 10), c.cfg.APISecret)
	return []any{c.cfg.APIKey, expires, sig}
}
