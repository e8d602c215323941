package backtest

import (
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/strategy"
)

func series(closes ...float64) []candle.Candle {
	out := make([]candle.Candle, len(closes))
	for i, p := range closes {
		out[i] = candle.Candle{
			Timestamp: int64(i) * 60_000,
			Open:      p, High: p, Low: p, Close: p,
			Volume: 1000,
		}
	}
	return out
}

func repeat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// ramp returns n values starting at from and moving by step.
func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// macdOnly trades purely on the MACD sign.
func macdOnly() strategy.Config {
	return strategy.Config{
		RSIPeriod:       14,
		SignalThreshold: 0.5,
		Weights:         strategy.Weights{MACD: 1},
	}
}

// upDown is flat, then rising, then falling: one buy at 101 and one sell on
// the way down.
func upDown() []candle.Candle {
	return series(concat(repeat(30, 100), ramp(15, 101, 1), ramp(50, 114, -1))...)
}
