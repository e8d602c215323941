// Package indicator computes the technical indicators that feed the
// composite signal. Every function is pure and deterministic.
package indicator

import (
	"errors"
	"fmt"
)

// Signal is the direction an indicator votes for.
type Signal string

const (
	Buy     Signal = "buy"
	Sell    Signal = "sell"
	Neutral Signal = "neutral"
)

// Direction maps a signal to +1, -1 or 0.
func (s Signal) Direction() float64 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return -1
	default:
		return 0
	}
}

// Default indicator weights. They sum to 1.
const (
	RSIWeight       = 0.30
	MACDWeight      = 0.25
	BollingerWeight = 0.25
	VolumeWeight    = 0.20
)

// Indicator periods.
const (
	DefaultRSIPeriod = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	BollingerPeriod  = 20
	BollingerStdDevs = 2
	VolumeRecent     = 5
	VolumeLookback   = 20
)

// Names used in Result.Name.
const (
	NameRSI       = "rsi"
	NameMACD      = "macd"
	NameBollinger = "bollinger"
	NameVolume    = "volume"
)

var ErrInsufficientData = errors.New("insufficient data")

// Result is the output of one indicator for one window.
type Result struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Signal Signal  `json:"signal"`
	Weight float64 `json:"weight"`
}

func insufficient(name string, have, need int) error {
	return fmt.Errorf("%s: %w (have %d, need %d)", name, ErrInsufficientData, have, need)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
