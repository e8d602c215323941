// Package candle
package candle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Candle is one OHLCV interval. Timestamp is the open time in unix
// milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Symbol    string  `json:"symbol,omitempty"`
	Timeframe string  `json:"timeframe,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// Time returns the candle open time in UTC.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// CheckValues checks only that prices are positive and finite and that
// volume is finite and non-negative.
func (c Candle) CheckValues() error {
	if c.Timestamp < 0 {
		return errors.New("candle timestamp is negative")
	}
	for _, p := range []float64{c.Open, c.High, c.Low, c.Close} {
		if !isFinite(p) || p <= 0 {
			return errors.New("candle prices must be positive and finite")
		}
	}
	if !isFinite(c.Volume) || c.Volume < 0 {
		return errors.New("candle volume must be finite and non-negative")
	}
	return nil
}

// Validate checks if a candle has valid data: CheckValues plus high/low
// consistency.
func (c *Candle) Validate() error {
	if err := c.CheckValues(); err != nil {
		return err
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	return nil
}

// InvalidInputError reports a candle series that cannot be simulated at all.
type InvalidInputError struct {
	Reason string
	Index  int // -1 when the error is not tied to a single candle
}

func (e *InvalidInputError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid input at index %d: %s", e.Index, e.Reason)
	}
	return "invalid input: " + e.Reason
}

// ValidateSeries checks the shape of a series: it must be non-empty and
// ordered by non-decreasing timestamp. Individual candle values are not
// checked here.
func ValidateSeries(candles []Candle) error {
	if len(candles) == 0 {
		return &InvalidInputError{Reason: "candle series is empty", Index: -1}
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp < candles[i-1].Timestamp {
			return &InvalidInputError{
				Reason: fmt.Sprintf("timestamp %d is before previous timestamp %d", candles[i].Timestamp, candles[i-1].Timestamp),
				Index:  i,
			}
		}
	}
	return nil
}

// Window is the prefix of a series up to and including one index, reduced
// to parallel close and volume sequences.
type Window struct {
	Closes  []float64
	Volumes []float64
}

// NewWindow builds the window [0, i]. The slices are freshly allocated on
// every call and never alias each other between steps.
func NewWindow(candles []Candle, i int) Window {
	if i >= len(candles) {
		i = len(candles) - 1
	}
	w := Window{
		Closes:  make([]float64, i+1),
		Volumes: make([]float64, i+1),
	}
	for j := 0; j <= i; j++ {
		w.Closes[j] = candles[j].Close
		w.Volumes[j] = candles[j].Volume
	}
	return w
}

// Len returns the number of candles in the window.
func (w Window) Len() int { return len(w.Closes) }

// LastClose returns the most recent close, 0 for an empty window.
func (w Window) LastClose() float64 {
	if len(w.Closes) == 0 {
		return 0
	}
	return w.Closes[len(w.Closes)-1]
}

// Process sorts candles by timestamp and eliminates duplicates, keeping the
// first candle seen for each timestamp.
func Process(candles []Candle) []Candle {
	if len(candles) == 0 {
		return candles
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})

	deduped := out[:1]
	for _, c := range out[1:] {
		if c.Timestamp == deduped[len(deduped)-1].Timestamp {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}
