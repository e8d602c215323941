package indicator

// EMA returns the exponential moving average of prices after the last
// price. It is seeded with the simple average of the first period prices and
// then updated with multiplier 2/(period+1).
func EMA(prices []float64, period int) (float64, error) {
	if period < 1 || len(prices) < period {
		return 0, insufficient("ema", len(prices), period)
	}
	k := 2 / float64(period+1)
	ema := mean(prices[:period])
	for _, p := range prices[period:] {
		ema += (p - ema) * k
	}
	return ema, nil
}

// MACD is EMA(12) - EMA(26). Signal: buy when positive, sell when negative,
// neutral at exactly zero.
func MACD(prices []float64) (Result, error) {
	fast, err := EMA(prices, MACDFastPeriod)
	if err != nil {
		return Result{}, insufficient(NameMACD, len(prices), MACDSlowPeriod)
	}
	slow, err := EMA(prices, MACDSlowPeriod)
	if err != nil {
		return Result{}, insufficient(NameMACD, len(prices), MACDSlowPeriod)
	}

	value := fast - slow
	signal := Neutral
	switch {
	case value > 0:
		signal = Buy
	case value < 0:
		signal = Sell
	}
	return Result{Name: NameMACD, Value: value, Signal: signal, Weight: MACDWeight}, nil
}
