// Package db persists named candle datasets.
package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrDatasetExists   = errors.New("dataset already exists")
)

// Candle is the storage row for one candle of a dataset.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Symbol    string
	Timeframe string
	Source    string
}

// Dataset describes a stored candle series.
type Dataset struct {
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Source         string    `json:"source"`
	Count          int       `json:"count"`
	FirstTimestamp int64     `json:"first_timestamp"`
	LastTimestamp  int64     `json:"last_timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// Storage is the interface for all persistent dataset storage.
type Storage interface {
	// SaveDataset stores candles under ds.Name. Count and the timestamp
	// bounds are derived from candles. Returns ErrDatasetExists if the name
	// is taken.
	SaveDataset(ctx context.Context, ds Dataset, candles []Candle) error
	GetDataset(ctx context.Context, name string) (*Dataset, error)
	// LoadDataset returns the dataset candles ordered by timestamp.
	LoadDataset(ctx context.Context, name string) ([]Candle, error)
	// FindDataset returns the most recently created dataset for a
	// symbol/timeframe pair.
	FindDataset(ctx context.Context, symbol, timeframe string) (*Dataset, error)
	ListDatasets(ctx context.Context) ([]Dataset, error)
	DeleteDataset(ctx context.Context, name string) error
	Close() error
}

// describe fills the derived fields of ds from candles.
func describe(ds Dataset, candles []Candle) Dataset {
	ds.Count = len(candles)
	ds.FirstTimestamp, ds.LastTimestamp = 0, 0
	if len(candles) > 0 {
		ds.FirstTimestamp = candles[0].Timestamp
		ds.LastTimestamp = candles[0].Timestamp
		for _, c := range candles[1:] {
			if c.Timestamp < ds.FirstTimestamp {
				ds.FirstTimestamp = c.Timestamp
			}
			if c.Timestamp > ds.LastTimestamp {
				ds.LastTimestamp = c.Timestamp
			}
		}
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	return ds
}

func validateDataset(ds Dataset) error {
	if ds.Name == "" {
		return errors.New("dataset name cannot be empty")
	}
	if ds.Symbol == "" {
		return errors.New("dataset symbol cannot be empty")
	}
	if ds.Timeframe == "" {
		return errors.New("dataset timeframe cannot be empty")
	}
	return nil
}
