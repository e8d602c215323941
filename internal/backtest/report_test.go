package backtest

import (
	"bytes"
	"log"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amirphl/simple-backtester/internal/indicator"
	"github.com/amirphl/simple-backtester/internal/position"
)

func profit(v float64) *float64 { return &v }

func TestSummarize_BuyThenSell(t *testing.T) {
	trades := []Trade{
		{Timestamp: 1, Type: indicator.Buy, Price: 100, Size: 9.5},
		{Timestamp: 2, Type: indicator.Sell, Price: 110, Size: 9.5, Profit: profit(95)},
	}
	equity := []float64{1000, 1000, 1095}

	s := Summarize(trades, equity)
	assert.Equal(t, 2, s.TotalTrades)
	assert.Equal(t, 1, s.WinningTrades)
	assert.Equal(t, 0, s.LosingTrades)
	assert.Equal(t, 100.0, s.WinRate)
	assert.InDelta(t, 95, s.NetProfit, 1e-9)
	assert.Equal(t, 0.0, s.MaxDrawdown)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil, nil))
	assert.Equal(t, Summary{}, Summarize(nil, []float64{1000}))
}

func TestSummarize_WinRate(t *testing.T) {
	trades := []Trade{
		{Type: indicator.Buy}, {Type: indicator.Sell, Profit: profit(10)},
		{Type: indicator.Buy}, {Type: indicator.Sell, Profit: profit(-5)},
		{Type: indicator.Buy}, {Type: indicator.Sell, Profit: profit(0)},
		{Type: indicator.Buy}, {Type: indicator.Sell, Profit: profit(3)},
	}
	s := Summarize(trades, nil)
	assert.Equal(t, 8, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 2, s.LosingTrades)
	assert.Equal(t, 50.0, s.WinRate)
}

func TestSummarize_MaxDrawdown(t *testing.T) {
	s := Summarize(nil, []float64{100, 120, 90, 130, 117})
	assert.InDelta(t, 25, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 17, s.NetProfit, 1e-9)
}

func TestSummarize_Sharpe(t *testing.T) {
	tests := []struct {
		name   string
		equity []float64
		want   float64
	}{
		{"single point", []float64{100}, 0},
		{"flat", []float64{100, 100, 100}, 0},
		{"constant return has zero deviation", []float64{100, 110, 121}, 0},
		{"zero mean", []float64{100, 110, 99}, 0},
		// returns 0.1 and 0: mean 0.05, population std 0.05
		{"one gain one flat", []float64{100, 110, 110}, math.Sqrt(252)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Summarize(nil, tt.equity).SharpeRatio, 1e-9)
		})
	}
}

func TestSummarize_Idempotent(t *testing.T) {
	trades := []Trade{
		{Type: indicator.Buy, Price: 10, Size: 1},
		{Type: indicator.Sell, Price: 12, Size: 1, Profit: profit(2)},
	}
	equity := []float64{100, 100, 102, 102}
	tradesCopy := append([]Trade(nil), trades...)
	equityCopy := append([]float64(nil), equity...)

	first := Summarize(trades, equity)
	second := Summarize(trades, equity)
	assert.Equal(t, first, second)
	assert.Equal(t, tradesCopy, trades)
	assert.Equal(t, equityCopy, equity)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	var trades []Trade
	for i := 0; i < 12; i++ {
		trades = append(trades, Trade{Timestamp: int64(i) * 60_000, Type: indicator.Buy, Price: 100, Size: 1})
	}
	res := &Result{
		Summary:        Summarize(trades, []float64{1000}),
		InitialCapital: 1000,
		FinalCapital:   1000,
		Trades:         trades,
		Equity:         []float64{1000},
		OpenPosition: &OpenPosition{
			Position:  position.Position{State: position.Long, EntryPrice: 100, Size: 1},
			MarkPrice: 105, UnrealizedProfit: 5,
		},
		Cancelled: true,
	}
	PrintResult(logger, "composite", res)

	out := buf.String()
	assert.Contains(t, out, "Backtest Results (composite)")
	assert.Contains(t, out, "2 earlier trades omitted")
	assert.Contains(t, out, "Trade 12:")
	assert.NotContains(t, out, "Trade 2:")
	assert.Contains(t, out, "Unrealized=5.00")
	assert.Contains(t, out, "cancelled")
}
