// Package bybit is a Bybit v5 spot REST client and exchange adapter.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/retry"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"
	category   = "spot"
)

// Config holds Bybit credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	BaseURL    string
	// StreamURL overrides the private websocket endpoint.
	StreamURL  string
	HTTPClient *http.Client
	Retry      *retry.Policy
	Logger     zerolog.Logger

	// Rules caches symbol info across clients; nil disables caching.
	Rules common.RulesCache
	// ReadBackDelay spaces the execution lookups after a market order.
	ReadBackDelay time.Duration
}

// Client is a Bybit v5 client restricted to the spot category.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	retry       retry.Policy
	log         zerolog.Logger
}

// New builds a client for mainnet or testnet.
func New(cfg Config) *Client {
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	policy.Retryable = common.IsTransient

	log := cfg.Logger.With().Str("exchange", "bybit").Bool("testnet", cfg.Testnet).Logger()
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		retry:      policy,
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, log)
	// 600 requests per 5s per IP
	c.rateLimiter = common.NewRateLimiter(600, 5*time.Second, log)
	return c
}

// Testnet reports which network the client talks to.
func (c *Client) Testnet() bool { return c.cfg.Testnet }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (c *Client) publicGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return retry.Value(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		endpoint := c.baseURL + path
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.do(ctx, req, path)
	})
}

func (c *Client) signedGet(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return retry.Value(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		query := params.Encode()
		endpoint := c.baseURL + path
		if query != "" {
			endpoint += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if err := c.signRequest(ctx, req, query); err != nil {
			return nil, err
		}
		return c.do(ctx, req, path)
	})
}

// signedPost is not retried: order placement must not be duplicated.
func (c *Client) signedPost(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode bybit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signRequest(ctx, req, string(body)); err != nil {
		return nil, err
	}
	return c.do(ctx, req, path)
}

func (c *Client) signRequest(ctx context.Context, req *http.Request, payload string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return fmt.Errorf("bybit: %w", common.ErrMissingCredentials)
	}
	ts := strconv.FormatInt(c.timeSync.Now(ctx), 10)
	recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", sign(ts+c.cfg.APIKey+recv+payload, c.cfg.APISecret))
	return nil
}

func (c *Client) do(ctx context.Context, req *http.Request, path string) (json.RawMessage, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read bybit response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, &common.APIError{Exchange: "bybit", Method: req.Method, Path: path, HTTPStatus: res.StatusCode, Message: string(body)}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode bybit envelope: %w", err)
	}
	if env.RetCode != 0 {
		apiErr := &common.APIError{Exchange: "bybit", Method: req.Method, Path: path, HTTPStatus: res.StatusCode, Code: env.RetCode, Message: env.RetMsg}
		// 110001 order does not exist, 170213 spot order does not exist
		if env.RetCode == 110001 || env.RetCode == 170213 {
			return nil, fmt.Errorf("%w: %w", common.ErrUnknownOrder, apiErr)
		}
		return nil, apiErr
	}
	return env.Result, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return 0, err
	}
	if env.RetCode != 0 || env.Time == 0 {
		return 0, fmt.Errorf("bybit server time: code %d %s", env.RetCode, env.RetMsg)
	}
	return env.Time, nil
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered", "Created":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartiallyFilled
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

// MapStatus exposes the status normalization for stream payloads.
func MapStatus(s string) common.OrderStatus { return mapStatus(s) }

func sign(payload, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func side(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseSide(s string) common.Side {
	if strings.EqualFold(s, "sell") {
		return common.SideSell
	}
	return common.SideBuy
}

// ParseSide exposes side normalization for stream payloads.
func ParseSide(s string) common.Side { return parseSide(s) }
