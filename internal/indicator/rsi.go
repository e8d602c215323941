package indicator

// RSI computes the relative strength index over prices.
//
// Gains and losses are taken for every step of the whole sequence, and only
// the last period of them are averaged. When fewer than period steps exist
// the available ones are averaged. A zero average loss yields 100.
// Signal: sell above 70, buy below 30.
func RSI(prices []float64, period int) (Result, error) {
	if period < 1 {
		return Result{}, insufficient(NameRSI, 0, 1)
	}
	if len(prices) < 2 {
		return Result{}, insufficient(NameRSI, len(prices), 2)
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	from := 0
	if len(gains) > period {
		from = len(gains) - period
	}
	avgGain := mean(gains[from:])
	avgLoss := mean(losses[from:])

	value := 100.0
	if avgLoss != 0 {
		rs := avgGain / avgLoss
		value = 100 - 100/(1+rs)
	}

	signal := Neutral
	switch {
	case value > 70:
		signal = Sell
	case value < 30:
		signal = Buy
	}
	return Result{Name: NameRSI, Value: value, Signal: signal, Weight: RSIWeight}, nil
}
