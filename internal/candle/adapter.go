package candle

import "github.com/amirphl/simple-backtester/internal/db"

// FromRows converts stored rows of a dataset into candles.
func FromRows(rows []db.Candle) []Candle {
	out := make([]Candle, len(rows))
	for i, r := range rows {
		out[i] = Candle(r)
	}
	return out
}

// ToRows converts candles into storage rows.
func ToRows(candles []Candle) []db.Candle {
	out := make([]db.Candle, len(candles))
	for i, c := range candles {
		out[i] = db.Candle(c)
	}
	return out
}
