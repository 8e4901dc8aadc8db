package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	streamMainnet = "stream.binance.com:9443"
	streamTestnet = "testnet.binance.vision"
)

// CreateListenKey creates a new user data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.listenKeyRequest(ctx, http.MethodPost, "")
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("binance: empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.listenKeyRequest(ctx, http.MethodPut, listenKey)
	return err
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.listenKeyRequest(ctx, http.MethodDelete, listenKey)
	return err
}

// StreamURL returns the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	if c.cfg.StreamBaseURL != "" {
		return strings.TrimRight(c.cfg.StreamBaseURL, "/") + "/ws/" + listenKey
	}
	host := streamMainnet
	if c.cfg.Testnet {
		host = streamTestnet
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

func (c *Client) listenKeyRequest(ctx context.Context, method, listenKey string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("binance: api key required")
	}
	const path = "/api/v3/userDataStream"
	endpoint := c.baseURL + path
	if listenKey != "" {
		params := url.Values{}
		params.Set("listenKey", listenKey)
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, req, method, path)
}
