package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests and tracks the weight the exchange
// reports back in response headers.
type RateLimiter struct {
	limiter *rate.Limiter
	log     zerolog.Logger

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter allows limit weight per resetInterval, spread evenly,
// with a burst of one tenth of the limit.
func NewRateLimiter(limit int, resetInterval time.Duration, log zerolog.Logger) *RateLimiter {
	perSecond := float64(limit) / resetInterval.Seconds()
	burst := limit / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		log:           log,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent. Near the reported limit it
// waits for the window to roll over as well.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		rl.mu.RLock()
		remaining := rl.resetInterval - time.Since(rl.lastReset)
		rl.mu.RUnlock()
		if remaining > 0 {
			t := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader updates the used weight from an API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		rl.log.Error().Int("used", rl.usedWeight).Int("limit", rl.limit).Float64("pct", pct).Msg("rate limit critical")
	} else if pct >= 80 {
		rl.log.Warn().Int("used", rl.usedWeight).Int("limit", rl.limit).Float64("pct", pct).Msg("rate limit warning")
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true once 90% of the window is used.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
