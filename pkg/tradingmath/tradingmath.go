// Package tradingmath holds the step/tick rounding and numeric formatting
// shared by every component that talks to an exchange.
package tradingmath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds value down to the nearest multiple of step.
// A non-positive step returns value unchanged.
func FloorToStep(value, step float64) float64 {
	f, _ := floorDecimal(value, step).Float64()
	return f
}

// Format floors value to step and renders it as a plain decimal string
// without trailing zeros or exponent.
func Format(value, step float64) string {
	return floorDecimal(value, step).String()
}

// FormatQuantity formats a quantity against a LOT_SIZE step.
func FormatQuantity(qty, stepSize float64) string { return Format(qty, stepSize) }

// FormatPrice formats a price against a PRICE_FILTER tick.
func FormatPrice(price, tickSize float64) string { return Format(price, tickSize) }

// Canonical renders v as a plain decimal string. It never produces
// scientific notation, which exchange APIs reject.
func Canonical(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// Parse reads a decimal string as returned by exchanges. Empty input is zero.
func Parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return f, nil
}

// ParseOrZero is Parse for fields where a malformed value is treated as zero.
func ParseOrZero(s string) float64 {
	f, _ := Parse(s)
	return f
}

// Notional returns qty × price computed in decimal.
func Notional(qty, price float64) float64 {
	n, _ := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Float64()
	return n
}

// IsMultiple reports whether value is an exact multiple of step.
func IsMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	return decimal.NewFromFloat(value).Mod(decimal.NewFromFloat(step)).IsZero()
}

func floorDecimal(value, step float64) decimal.Decimal {
	v := decimal.NewFromFloat(value)
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s)
}
