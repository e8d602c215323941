package indicator

import "math"

// SMA is the simple average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period < 1 || len(values) < period {
		return 0, insufficient("sma", len(values), period)
	}
	return mean(values[len(values)-period:]), nil
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Bands holds Bollinger band levels.
type Bands struct {
	Middle float64 `json:"middle"`
	Upper  float64 `json:"upper"`
	Lower  float64 `json:"lower"`
}

// BollingerBands computes the period SMA plus/minus k population standard
// deviations over the last period prices.
func BollingerBands(prices []float64, period int, k float64) (Bands, error) {
	mid, err := SMA(prices, period)
	if err != nil {
		return Bands{}, insufficient(NameBollinger, len(prices), period)
	}
	sd := StdDev(prices[len(prices)-period:])
	return Bands{Middle: mid, Upper: mid + k*sd, Lower: mid - k*sd}, nil
}

// Bollinger compares the last price against 20-period, 2-sigma bands: sell
// above the upper band, buy below the lower band. Value is the middle band.
func Bollinger(prices []float64) (Result, error) {
	bands, err := BollingerBands(prices, BollingerPeriod, BollingerStdDevs)
	if err != nil {
		return Result{}, err
	}
	price := prices[len(prices)-1]

	signal := Neutral
	switch {
	case price > bands.Upper:
		signal = Sell
	case price < bands.Lower:
		signal = Buy
	}
	return Result{Name: NameBollinger, Value: bands.Middle, Signal: signal, Weight: BollingerWeight}, nil
}
