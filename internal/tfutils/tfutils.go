// Package tfutils maps timeframe names ("1m", "4h", ...) to durations and to
// the interval names exchanges expect.
package tfutils

import (
	"fmt"
	"time"
)

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := durations[timeframe]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %q", timeframe)
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, 0 if unknown.
func GetTimeframeDuration(timeframe string) time.Duration {
	return durations[timeframe]
}

// TimeframeMillis returns the timeframe length in milliseconds.
func TimeframeMillis(timeframe string) int64 {
	return GetTimeframeDuration(timeframe).Milliseconds()
}

// GetSupportedTimeframes returns all supported timeframes, shortest first.
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// WallexResolution converts a timeframe into the resolution string of the
// Wallex candles endpoint (minutes, or "1D").
func WallexResolution(timeframe string) (string, error) {
	switch timeframe {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "4h":
		return "240", nil
	case "1d":
		return "1D", nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %q", timeframe)
	}
}
