package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeSync tracks the offset between local and exchange server clocks so
// signed requests carry timestamps the exchange accepts.
type TimeSync struct {
	getServerTime func(context.Context) (int64, error)
	log           zerolog.Logger
	syncInterval  time.Duration

	mu       sync.RWMutex
	offset   int64 // server - local, ms
	lastSync time.Time
}

// NewTimeSync creates a time synchronization manager that resyncs lazily
// every 30 minutes.
func NewTimeSync(getServerTime func(context.Context) (int64, error), log zerolog.Logger) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		log:           log,
		syncInterval:  30 * time.Minute,
	}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// assume symmetric latency
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	offset := ts.offset
	ts.mu.Unlock()

	ts.log.Debug().Int64("offset_ms", offset).Msg("time sync")
	return nil
}

// Now returns the current server-adjusted time in ms, syncing first when
// the last sync is stale. Sync failures fall back to the previous offset.
func (ts *TimeSync) Now(ctx context.Context) int64 {
	ts.mu.RLock()
	stale := time.Since(ts.lastSync) > ts.syncInterval
	ts.mu.RUnlock()
	if stale {
		if err := ts.Sync(ctx); err != nil {
			ts.log.Warn().Err(err).Msg("time sync failed")
			ts.mu.Lock()
			ts.lastSync = time.Now()
			ts.mu.Unlock()
		}
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
