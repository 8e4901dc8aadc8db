package order

import "errors"

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict means a guarded write matched no row: the status moved on
	// or another holder owns the lease. Callers treat it as a no-op.
	ErrConflict          = errors.New("order changed concurrently")
	ErrLeaseHeld         = errors.New("order lease held by another worker")
	ErrIllegalTransition = errors.New("illegal status transition")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinNotional    = errors.New("order value below exchange minimum notional")
	ErrBelowMinQty         = errors.New("quantity below exchange minimum")
	ErrInvalidOrder        = errors.New("invalid order")
)
