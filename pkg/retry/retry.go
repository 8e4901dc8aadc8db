// Package retry retries exchange calls with exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// DefaultPolicy is three retries starting at 1s, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the retries
// are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	delay := p.InitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay = next(delay, p)
	}
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Backoff returns the delay after the given number of consecutive failures,
// starting at initial and doubling up to max.
func Backoff(failures int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func next(d time.Duration, p Policy) time.Duration {
	m := p.Multiplier
	if m <= 1 {
		m = 2
	}
	n := time.Duration(float64(d) * m)
	if p.MaxDelay > 0 && n > p.MaxDelay {
		return p.MaxDelay
	}
	return n
}
