// Package strategy combines indicator outputs into one composite signal and
// a discrete recommendation.
package strategy

import (
	"fmt"
	"math"

	"github.com/amirphl/simple-backtester/internal/indicator"
)

// Weights are the per-indicator contributions to the composite signal.
type Weights struct {
	RSI       float64 `yaml:"rsi" json:"rsi"`
	MACD      float64 `yaml:"macd" json:"macd"`
	Bollinger float64 `yaml:"bollinger" json:"bollinger"`
	Volume    float64 `yaml:"volume" json:"volume"`
}

// DefaultWeights are the fixed indicator weights.
func DefaultWeights() Weights {
	return Weights{
		RSI:       indicator.RSIWeight,
		MACD:      indicator.MACDWeight,
		Bollinger: indicator.BollingerWeight,
		Volume:    indicator.VolumeWeight,
	}
}

func (w Weights) Sum() float64 {
	return w.RSI + w.MACD + w.Bollinger + w.Volume
}

const weightTolerance = 1e-9

// Config is the strategy configuration shared by analysis, the backtest
// engine and live order placement.
type Config struct {
	RSIPeriod       int     `yaml:"rsi_period" json:"rsi_period"`
	SignalThreshold float64 `yaml:"signal_threshold" json:"signal_threshold"`
	Weights         Weights `yaml:"weights" json:"weights"`
}

func DefaultConfig() Config {
	return Config{
		RSIPeriod:       indicator.DefaultRSIPeriod,
		SignalThreshold: 0.3,
		Weights:         DefaultWeights(),
	}
}

// Validate checks the period, the threshold range and that the weights form
// a convex combination.
func (c Config) Validate() error {
	if c.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period must be >= 2, got %d", c.RSIPeriod)
	}
	if math.IsNaN(c.SignalThreshold) || c.SignalThreshold <= 0 || c.SignalThreshold > 1 {
		return fmt.Errorf("signal_threshold must be in (0, 1], got %v", c.SignalThreshold)
	}
	w := c.Weights
	for name, v := range map[string]float64{"rsi": w.RSI, "macd": w.MACD, "bollinger": w.Bollinger, "volume": w.Volume} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %v", w.Sum())
	}
	return nil
}

// WarmupPeriod is the number of leading candles without enough history for
// RSI and MACD.
func (c Config) WarmupPeriod() int {
	return max(c.RSIPeriod+1, indicator.MACDSlowPeriod)
}

// Recommend compares a composite signal against the threshold. It is the
// only place the comparison is made.
func Recommend(total, threshold float64) indicator.Signal {
	switch {
	case total > threshold:
		return indicator.Buy
	case total < -threshold:
		return indicator.Sell
	default:
		return indicator.Neutral
	}
}
