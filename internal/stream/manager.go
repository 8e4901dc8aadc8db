package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/logger"
	"spotkeeper/pkg/retry"
)

// ErrNotStarted is returned by StartAccount before Start.
var ErrNotStarted = errors.New("stream manager not started")

// AccountSource lists the accounts that should be connected.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]db.Account, error)
}

// ManagerConfig tunes reconnect behavior.
type ManagerConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Buffer         int
}

// DefaultManagerConfig backs off from 1s to 60s.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{InitialBackoff: time.Second, MaxBackoff: 60 * time.Second, Buffer: 256}
}

// Status describes one supervised connection.
type Status struct {
	UserID     string    `json:"user_id"`
	ExchangeID int64     `json:"exchange_id"`
	Exchange   string    `json:"exchange"`
	Testnet    bool      `json:"testnet"`
	Connected  bool      `json:"connected"`
	Since      time.Time `json:"since,omitempty"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
}

type conn struct {
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// Manager supervises one goroutine per account and fans their events into
// a single channel.
type Manager struct {
	accounts AccountSource
	adapters gateway.Provider
	connect  Connector
	metrics  *monitor.Metrics
	cfg      ManagerConfig
	events   chan Event
	log      zerolog.Logger

	mu    sync.Mutex
	base  context.Context
	conns map[db.AccountKey]*conn
}

// NewManager creates a Manager.
func NewManager(accounts AccountSource, adapters gateway.Provider, connect Connector, metrics *monitor.Metrics,
	cfg ManagerConfig, log zerolog.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if connect == nil {
		connect = NewConnector(log)
	}
	return &Manager{
		accounts: accounts,
		adapters: adapters,
		connect:  connect,
		metrics:  metrics,
		cfg:      cfg,
		events:   make(chan Event, cfg.Buffer),
		log:      logger.Component(log, "stream"),
		conns:    make(map[db.AccountKey]*conn),
	}
}

// Events is the channel the router consumes.
func (m *Manager) Events() <-chan Event { return m.events }

// Start connects every active account. Connections live until ctx is
// cancelled or they are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	accts, err := m.accounts.ActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accts {
		if err := m.StartAccount(a); err != nil {
			m.log.Error().Err(err).Str("user_id", a.UserID).Str("exchange", a.ExchangeName).Msg("start stream failed")
		}
	}
	m.log.Info().Int("accounts", len(accts)).Msg("stream manager started")
	return nil
}

// Refresh connects accounts activated since the last pass and stops the
// ones no longer active.
func (m *Manager) Refresh(ctx context.Context) (started, stopped int, err error) {
	m.mu.Lock()
	ready := m.base != nil
	m.mu.Unlock()
	if !ready {
		return 0, 0, ErrNotStarted
	}

	accts, err := m.accounts.ActiveAccounts(ctx)
	if err != nil {
		return 0, 0, err
	}
	want := make(map[db.AccountKey]db.Account, len(accts))
	for _, a := range accts {
		want[a.Key()] = a
	}

	m.mu.Lock()
	var stale []db.AccountKey
	for key := range m.conns {
		if _, ok := want[key]; !ok {
			stale = append(stale, key)
		}
	}
	var fresh []db.Account
	for key, a := range want {
		if _, ok := m.conns[key]; !ok {
			fresh = append(fresh, a)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		m.StopAccount(key)
		stopped++
	}
	for _, a := range fresh {
		if err := m.StartAccount(a); err != nil {
			m.log.Error().Err(err).Str("user_id", a.UserID).Str("exchange", a.ExchangeName).Msg("start stream failed")
			continue
		}
		started++
	}
	if started > 0 || stopped > 0 {
		m.log.Info().Int("started", started).Int("stopped", stopped).Msg("stream accounts refreshed")
	}
	return started, stopped, nil
}

// StartAccount begins supervising acct. It is a no-op when the account is
// already connected.
func (m *Manager) StartAccount(acct db.Account) error {
	key := acct.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil {
		return ErrNotStarted
	}
	if _, ok := m.conns[key]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(m.base)
	c := &conn{
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{UserID: acct.UserID, ExchangeID: acct.ExchangeID, Exchange: acct.ExchangeName, Testnet: acct.Testnet},
	}
	m.conns[key] = c
	m.metrics.SetActiveStreams(len(m.conns))
	go m.supervise(ctx, acct, c)
	return nil
}

// StopAccount closes the connection of key and waits for it to finish.
func (m *Manager) StopAccount(key db.AccountKey) {
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
		m.metrics.SetActiveStreams(len(m.conns))
	}
	m.mu.Unlock()
	if ok {
		c.cancel()
		<-c.done
	}
}

// StopAll closes every connection and waits for them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[db.AccountKey]*conn)
	m.metrics.SetActiveStreams(0)
	m.mu.Unlock()
	for _, c := range conns {
		c.cancel()
	}
	for _, c := range conns {
		<-c.done
	}
}

// Statuses returns a snapshot of all supervised connections.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ExchangeID < out[j].ExchangeID
	})
	return out
}

func (m *Manager) update(c *conn, fn func(s *Status)) {
	m.mu.Lock()
	fn(&c.status)
	m.mu.Unlock()
}

func (m *Manager) supervise(ctx context.Context, acct db.Account, c *conn) {
	defer close(c.done)
	log := m.log.With().Str("user_id", acct.UserID).Str("exchange", acct.ExchangeName).Bool("testnet", acct.Testnet).Logger()
	failures := 0
	for {
		connected := false
		err := m.runOnce(ctx, acct, func() {
			connected = true
			m.update(c, func(s *Status) { s.Connected, s.Since, s.LastError = true, time.Now(), "" })
		})
		m.update(c, func(s *Status) {
			s.Connected = false
			if err != nil {
				s.LastError = err.Error()
			}
		})
		if ctx.Err() != nil {
			log.Info().Msg("stream stopped")
			return
		}
		if connected {
			failures = 0
		}
		failures++
		delay := retry.Backoff(failures, m.cfg.InitialBackoff, m.cfg.MaxBackoff)
		m.metrics.IncStreamReconnect(acct.ExchangeName)
		m.update(c, func(s *Status) { s.Reconnects++ })
		log.Warn().Err(err).Dur("backoff", delay).Msg("stream disconnected, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info().Msg("stream stopped")
			return
		case <-t.C:
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, acct db.Account, ready func()) error {
	adapter, err := m.adapters.Get(ctx, acct.Key())
	if err != nil {
		return err
	}
	sess, err := m.connect(acct, adapter)
	if err != nil {
		return err
	}
	return sess.Run(ctx, m.events, ready)
}
