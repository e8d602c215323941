package strategy

import (
	"fmt"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/indicator"
)

// Result is the composite analysis of one window.
type Result struct {
	TotalSignal    float64          `json:"total_signal"`
	Recommendation indicator.Signal `json:"recommendation"`
	RSI            indicator.Result `json:"rsi"`
	MACD           indicator.Result `json:"macd"`
	Bollinger      indicator.Result `json:"bollinger"`
	Volume         indicator.Result `json:"volume"`
}

// Indicators returns the four indicator results in a fixed order.
func (r Result) Indicators() []indicator.Result {
	return []indicator.Result{r.RSI, r.MACD, r.Bollinger, r.Volume}
}

// Analyze runs every indicator over the window and sums their weighted
// directions. Configured weights replace the indicators' default weights.
func Analyze(w candle.Window, cfg Config) (Result, error) {
	var (
		res Result
		err error
	)
	if res.RSI, err = indicator.RSI(w.Closes, cfg.RSIPeriod); err != nil {
		return Result{}, fmt.Errorf("Analyze | %w", err)
	}
	if res.MACD, err = indicator.MACD(w.Closes); err != nil {
		return Result{}, fmt.Errorf("Analyze | %w", err)
	}
	if res.Bollinger, err = indicator.Bollinger(w.Closes); err != nil {
		return Result{}, fmt.Errorf("Analyze | %w", err)
	}
	if res.Volume, err = indicator.VolumeSignal(w.Volumes); err != nil {
		return Result{}, fmt.Errorf("Analyze | %w", err)
	}

	res.RSI.Weight = cfg.Weights.RSI
	res.MACD.Weight = cfg.Weights.MACD
	res.Bollinger.Weight = cfg.Weights.Bollinger
	res.Volume.Weight = cfg.Weights.Volume

	for _, r := range res.Indicators() {
		res.TotalSignal += r.Signal.Direction() * r.Weight
	}
	res.Recommendation = Recommend(res.TotalSignal, cfg.SignalThreshold)
	return res, nil
}

// Snapshot flattens indicator values by name, for trade records and progress
// reports.
func (r Result) Snapshot() map[string]float64 {
	out := make(map[string]float64, 5)
	for _, ind := range r.Indicators() {
		out[ind.Name] = ind.Value
	}
	out["total_signal"] = r.TotalSignal
	return out
}
