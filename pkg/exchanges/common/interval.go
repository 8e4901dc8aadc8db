package common

import (
	"fmt"
	"strings"
	"time"
)

var intervalAliases = map[string]string{
	"M5":     "5m",
	"H1":     "1h",
	"H4":     "4h",
	"Daily":  "1d",
	"Market": "1m",
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// NormalizeInterval maps user-facing interval names (M5, H1, H4, Daily,
// Market) to exchange kline intervals. Unknown names pass through.
func NormalizeInterval(interval string) string {
	if v, ok := intervalAliases[interval]; ok {
		return v
	}
	return strings.TrimSpace(interval)
}

// IntervalDuration returns the length of one candle.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[NormalizeInterval(interval)]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}
