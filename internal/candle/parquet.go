package candle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Record is the on-disk parquet schema for a candle.
type Record struct {
	Symbol    string  `parquet:"symbol"`
	Timeframe string  `parquet:"timeframe"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// WriteParquet writes candles to a single parquet file, creating parent
// directories as needed.
func WriteParquet(path string, candles []Candle) error {
	records := make([]Record, len(candles))
	for i, c := range candles {
		records[i] = Record{
			Symbol:    c.Symbol,
			Timeframe: c.Timeframe,
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// ReadParquet imports candles from a parquet file written by WriteParquet or
// any file with the same column names. Empty symbol/timeframe columns are
// filled from the arguments.
func ReadParquet(path, symbol, timeframe string) ([]Candle, error) {
	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, fmt.Errorf("ReadParquet | %s: %w", path, err)
	}
	candles := make([]Candle, 0, len(records))
	for i, r := range records {
		c := Candle{
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			Symbol:    r.Symbol,
			Timeframe: r.Timeframe,
			Source:    "parquet",
		}
		if c.Symbol == "" {
			c.Symbol = symbol
		}
		if c.Timeframe == "" {
			c.Timeframe = timeframe
		}
		if err := c.Validate(); err != nil {
			return nil, &ImportError{Row: i + 1, Err: err}
		}
		candles = append(candles, c)
	}
	return Process(candles), nil
}
