package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/pkg/cache"
	"spotkeeper/pkg/db"
	exspot "spotkeeper/pkg/exchanges/binance/spot"
	"spotkeeper/pkg/exchanges/bybit"
	"spotkeeper/pkg/exchanges/common"
)

// ErrUnsupportedExchange is returned for exchange names outside Kind.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Kind is the closed set of supported venues.
type Kind string

const (
	KindBinance Kind = "binance"
	KindBybit   Kind = "bybit"
)

// ParseKind maps an exchanges.name value to a Kind.
func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindBinance:
		return KindBinance, nil
	case KindBybit:
		return KindBybit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedExchange, name)
	}
}

// Factory builds an adapter for one account.
type Factory func(acct db.Account) (common.Adapter, error)

// rulesTTL bounds how long symbol filters are reused before refetching.
const rulesTTL = time.Hour

// NewFactory returns the production factory; every adapter logs through log.
// Adapters built by one factory share a symbol rules cache.
func NewFactory(log zerolog.Logger) Factory {
	rules := cache.New[common.SymbolInfo](rulesTTL, nil)
	return func(acct db.Account) (common.Adapter, error) {
		kind, err := ParseKind(acct.ExchangeName)
		if err != nil {
			return nil, err
		}
		if acct.APIKey == "" || acct.APISecret == "" {
			return nil, fmt.Errorf("%s account %s: %w", kind, acct.UserID, common.ErrMissingCredentials)
		}
		switch kind {
		case KindBinance:
			return exspot.NewAdapter(exspot.New(exspot.Config{
				APIKey:    acct.APIKey,
				APISecret: acct.APISecret,
				Testnet:   acct.Testnet,
				Logger:    log,
				Rules:     rules,
			})), nil
		case KindBybit:
			return bybit.NewAdapter(bybit.New(bybit.Config{
				APIKey:    acct.APIKey,
				APISecret: acct.APISecret,
				Testnet:   acct.Testnet,
				Logger:    log,
				Rules:     rules,
			})), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, kind)
	}
}
