package backtest

import (
	"log"
	"math"
	"time"
)

// TradingDaysPerYear annualizes the Sharpe ratio.
const TradingDaysPerYear = 252

// Summary holds the realized statistics of a run.
type Summary struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent
	NetProfit     float64 `json:"net_profit"`
	MaxDrawdown   float64 `json:"max_drawdown"` // percent
	SharpeRatio   float64 `json:"sharpe_ratio"`
}

// Summarize derives the summary from a trade log and equity curve. It has no
// side effects, so it is safe on snapshots of a run in progress.
//
// TotalTrades counts every trade record, entries and exits. Exits with
// positive profit are wins, other exits are losses.
func Summarize(trades []Trade, equity []float64) Summary {
	s := Summary{TotalTrades: len(trades)}
	for _, t := range trades {
		if t.Profit == nil {
			continue
		}
		if *t.Profit > 0 {
			s.WinningTrades++
		} else {
			s.LosingTrades++
		}
	}
	if closed := s.WinningTrades + s.LosingTrades; closed > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(closed) * 100
	}

	if len(equity) == 0 {
		return s
	}
	s.NetProfit = equity[len(equity)-1] - equity[0]
	s.MaxDrawdown = maxDrawdown(equity) * 100
	s.SharpeRatio = sharpe(equity)
	return s
}

func maxDrawdown(equity []float64) float64 {
	peak, dd := equity[0], 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd = math.Max(dd, (peak-v)/peak)
		}
	}
	return dd
}

// sharpe is mean/std of step returns scaled by sqrt(252). Population
// standard deviation; 0 when it is 0.
func sharpe(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(TradingDaysPerYear)
}

// PrintResult logs a human-readable report of res.
func PrintResult(logger *log.Logger, name string, res *Result) {
	logger.Printf("Backtest Results (%s):", name)
	logger.Printf("  Trades=%d, Wins=%d, Losses=%d, WinRate=%.2f%%",
		res.TotalTrades, res.WinningTrades, res.LosingTrades, res.WinRate)
	logger.Printf("  Initial Capital=%.2f, Final Capital=%.2f, Net Profit=%.2f",
		res.InitialCapital, res.FinalCapital, res.NetProfit)
	logger.Printf("  MaxDrawdown=%.2f%%, Sharpe=%.2f", res.MaxDrawdown, res.SharpeRatio)
	logger.Printf("  Steps=%d (warm-up %d, skipped %d)", len(res.Equity)-1, res.WarmupPeriod, len(res.SkippedSteps))
	if res.OpenPosition != nil {
		logger.Printf("  Open Position: Size=%.6f Entry=%.2f Mark=%.2f Unrealized=%.2f",
			res.OpenPosition.Size, res.OpenPosition.EntryPrice, res.OpenPosition.MarkPrice, res.OpenPosition.UnrealizedProfit)
	}
	if res.Cancelled {
		logger.Println("  Run was cancelled, figures cover the processed candles only")
	}

	logger.Println("Trade Log Summary (Last 10 trades):")
	const maxTrades = 10
	start := max(len(res.Trades)-maxTrades, 0)
	if start > 0 {
		logger.Printf("  ... %d earlier trades omitted", start)
	}
	for i, t := range res.Trades[start:] {
		ts := time.UnixMilli(t.Timestamp).UTC().Format(time.RFC3339)
		if t.Profit != nil {
			logger.Printf("  Trade %d: %s %.6f @ %.2f at %s, PnL=%.2f", start+i+1, t.Type, t.Size, t.Price, ts, *t.Profit)
		} else {
			logger.Printf("  Trade %d: %s %.6f @ %.2f at %s", start+i+1, t.Type, t.Size, t.Price, ts)
		}
	}
}
