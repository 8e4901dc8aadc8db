// Package spot is a Binance spot REST client and the exchange adapter built on it.
package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
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
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	// BaseURL overrides the REST endpoint (tests).
	BaseURL string
	// StreamBaseURL overrides the websocket endpoint, e.g. "ws://127.0.0.1:1234".
	StreamBaseURL string
	HTTPClient    *http.Client
	Retry         *retry.Policy
	Logger        zerolog.Logger
	// Rules caches symbol info across clients; nil disables caching.
	Rules common.RulesCache
}

// Client is a Binance spot trading client.
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

	log := cfg.Logger.With().Str("exchange", "binance").Bool("testnet", cfg.Testnet).Logger()
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		retry:      policy,
		log:        log,
	}
	client.timeSync = common.NewTimeSync(client.GetServerTime, log)
	// 1200 weight/min for spot
	client.rateLimiter = common.NewRateLimiter(1200, time.Minute, log)
	return client
}

// Testnet reports which network the client talks to.
func (c *Client) Testnet() bool { return c.cfg.Testnet }

func (c *Client) hasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// signedGet runs a signed GET with retries on transient failures.
func (c *Client) signedGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return retry.Value(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		p := cloneValues(params)
		return c.doSigned(ctx, http.MethodGet, path, p)
	})
}

// publicGet runs an unsigned GET with retries on transient failures.
func (c *Client) publicGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return retry.Value(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		endpoint := c.baseURL + path
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.do(ctx, req, http.MethodGet, path)
	})
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if !c.hasCredentials() {
		return nil, fmt.Errorf("binance: %w", common.ErrMissingCredentials)
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		// signed params go in the query string
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, req, method, path)
}

func (c *Client) do(ctx context.Context, req *http.Request, method, path string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read binance response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, parseAPIError(method, path, res.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(method, path string, status int, body []byte) error {
	apiErr := &common.APIError{
		Exchange:   "binance",
		Method:     method,
		Path:       path,
		HTTPStatus: status,
		Message:    string(body),
	}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Msg
	}
	// -2011 cancel rejected (unknown order), -2013 order does not exist
	if apiErr.Code == -2011 || apiErr.Code == -2013 {
		return fmt.Errorf("%w: %w", common.ErrUnknownOrder, apiErr)
	}
	return apiErr
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return 0, parseAPIError(http.MethodGet, "/api/v3/time", res.StatusCode, b)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// MapStatus exposes the status normalization for stream payloads.
func MapStatus(s string) common.OrderStatus { return mapStatus(s) }

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

var errEmptySymbol = errors.New("binance: symbol required")
