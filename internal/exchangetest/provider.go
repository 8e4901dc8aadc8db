package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
)

// Provider maps account keys to fakes. Unknown keys get Default when set.
type Provider struct {
	mu      sync.Mutex
	byKey   map[db.AccountKey]*Exchange
	Default *Exchange
	// Err fails every Get when set.
	Err error
}

// Single returns a provider that serves ex for every account.
func Single(ex *Exchange) *Provider {
	return &Provider{byKey: make(map[db.AccountKey]*Exchange), Default: ex}
}

// Set serves ex for key.
func (p *Provider) Set(key db.AccountKey, ex *Exchange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byKey == nil {
		p.byKey = make(map[db.AccountKey]*Exchange)
	}
	p.byKey[key] = ex
}

func (p *Provider) Get(_ context.Context, key db.AccountKey) (common.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if ex, ok := p.byKey[key]; ok {
		return ex, nil
	}
	if p.Default != nil {
		return p.Default, nil
	}
	return nil, fmt.Errorf("no fake exchange for %+v", key)
}
