// Package gateway builds exchange adapters and keeps a bounded pool of them
// keyed by account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
)

var (
	ErrAccountNotFound = errors.New("exchange account not found")
	ErrAccountInactive = errors.New("exchange account inactive")
	ErrPoolFull        = errors.New("gateway pool is full")
)

// AccountSource resolves credentials for an account key.
type AccountSource interface {
	Account(ctx context.Context, key db.AccountKey) (db.Account, error)
}

// cachedAdapter holds an adapter with metadata for lifecycle management.
type cachedAdapter struct {
	adapter  common.Adapter
	key      db.AccountKey
	exchange string
	created  time.Time
	lastUsed time.Time
}

// Config holds configuration for the Pool.
type Config struct {
	MaxSize     int           // Maximum number of cached adapters (LRU eviction)
	IdleTimeout time.Duration // Time before idle adapter is removed
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     100,
		IdleTimeout: 30 * time.Minute,
	}
}

// Pool caches one adapter per account with LRU eviction.
type Pool struct {
	mu       sync.Mutex
	adapters map[db.AccountKey]*cachedAdapter
	lruOrder []db.AccountKey // oldest first

	config   Config
	accounts AccountSource
	factory  Factory
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool.
func NewPool(accounts AccountSource, factory Factory, cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Pool{
		adapters: make(map[db.AccountKey]*cachedAdapter),
		config:   cfg,
		accounts: accounts,
		factory:  factory,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background idle cleanup.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down the cleanup goroutine and empties the pool.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.adapters {
		delete(p.adapters, key)
	}
	p.lruOrder = nil
}

// Get returns the cached adapter for key or builds one from stored
// credentials.
func (p *Pool) Get(ctx context.Context, key db.AccountKey) (common.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.adapters[key]; ok {
		p.touchLocked(key)
		return cached.adapter, nil
	}

	if len(p.adapters) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	acct, err := p.accounts.Account(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s exchange %d testnet=%v", ErrAccountNotFound, key.UserID, key.ExchangeID, key.Testnet)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acct.Active {
		return nil, ErrAccountInactive
	}

	adapter, err := p.factory(acct)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	now := p.now()
	p.adapters[key] = &cachedAdapter{
		adapter:  adapter,
		key:      key,
		exchange: acct.ExchangeName,
		created:  now,
		lastUsed: now,
	}
	p.lruOrder = append(p.lruOrder, key)
	return adapter, nil
}

// Remove drops the adapter for key, e.g. after credentials changed.
func (p *Pool) Remove(key db.AccountKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.adapters, key)
	p.removeLRULocked(key)
}

// RemoveByUser drops every adapter of userID.
func (p *Pool) RemoveByUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.adapters {
		if key.UserID == userID {
			delete(p.adapters, key)
			p.removeLRULocked(key)
		}
	}
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	Total      int            `json:"total"`
	MaxSize    int            `json:"max_size"`
	ByExchange map[string]int `json:"by_exchange"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:      len(p.adapters),
		MaxSize:    p.config.MaxSize,
		ByExchange: make(map[string]int),
	}
	for _, cached := range p.adapters {
		stats.ByExchange[cached.exchange]++
	}
	return stats
}

func (p *Pool) touchLocked(key db.AccountKey) {
	if cached, ok := p.adapters[key]; ok {
		cached.lastUsed = p.now()
	}
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, key)
			break
		}
	}
}

func (p *Pool) removeLRULocked(key db.AccountKey) {
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	delete(p.adapters, oldest)
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, cached := range p.adapters {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			delete(p.adapters, key)
			p.removeLRULocked(key)
		}
	}
}

// Provider hands out the adapter for an account. *Pool implements it.
type Provider interface {
	Get(ctx context.Context, key db.AccountKey) (common.Adapter, error)
}

var _ Provider = (*Pool)(nil)
