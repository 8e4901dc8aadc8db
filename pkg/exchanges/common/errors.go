package common

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrUnknownOrder is returned when the exchange has no such order,
// typically because it was already filled or cancelled.
var ErrUnknownOrder = errors.New("unknown order")

// ErrMissingCredentials is returned by signed calls without API keys.
var ErrMissingCredentials = errors.New("api key/secret required")

// APIError is a non-success answer from an exchange REST endpoint.
type APIError struct {
	Exchange   string
	Method     string
	Path       string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s %s status %d code %d: %s", e.Exchange, e.Method, e.Path, e.HTTPStatus, e.Code, e.Message)
}

// Transient reports whether retrying later may succeed.
func (e *APIError) Transient() bool {
	switch {
	case e.HTTPStatus == http.StatusTooManyRequests, e.HTTPStatus == 418:
		return true
	case e.HTTPStatus >= 500:
		return true
	}
	switch e.Code {
	case -1000, -1001, -1003, -1007, -1021: // binance: unknown, disconnected, too many requests, timeout, timestamp
		return true
	case 10002, 10006, 10016: // bybit: recv window, rate limit, server error
		return true
	}
	return false
}

// IsTransient classifies err as a transient exchange or network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
