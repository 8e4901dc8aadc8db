package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type holderKey struct{}

// WithHolder returns ctx carrying the lease holder used by guarded writes.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFrom returns the lease holder carried by ctx, if any.
func HolderFrom(ctx context.Context) string {
	h, _ := ctx.Value(holderKey{}).(string)
	return h
}

// NewHolder returns a unique holder id for component.
func NewHolder(component string) string {
	return component + ":" + uuid.NewString()
}

// DefaultLeaseTTL bounds how long a crashed worker can block an order.
const DefaultLeaseTTL = 2 * time.Minute

// WithLease runs fn while holding the order lease. fn receives a context
// carrying the holder so its store writes pass the guard.
func (s *Store) WithLease(ctx context.Context, id int64, component string, ttl time.Duration, fn func(ctx context.Context) error) error {
	holder := NewHolder(component)
	if err := s.AcquireLease(ctx, id, holder, ttl); err != nil {
		return err
	}
	defer func() {
		// release even when the caller's context is done
		_ = s.ReleaseLease(context.WithoutCancel(ctx), id, holder)
	}()
	return fn(WithHolder(ctx, holder))
}

// IsSkippable reports whether err means another worker got there first.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLeaseHeld)
}
