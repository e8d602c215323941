package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCandles(n int, start int64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = Candle{Timestamp: start + int64(i)*60_000, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 1000}
	}
	return out
}

// runStorageSuite exercises the Storage contract against one backend.
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		candles := sampleCandles(5, 1_000)
		// Stored order must not depend on input order.
		candles[0], candles[4] = candles[4], candles[0]

		ds := Dataset{Name: "btc-1m", Symbol: "BTC-USDT", Timeframe: "1m", Source: "csv"}
		require.NoError(t, s.SaveDataset(ctx, ds, candles))

		meta, err := s.GetDataset(ctx, "btc-1m")
		require.NoError(t, err)
		assert.Equal(t, 5, meta.Count)
		assert.Equal(t, int64(1_000), meta.FirstTimestamp)
		assert.Equal(t, int64(1_000+4*60_000), meta.LastTimestamp)
		assert.False(t, meta.CreatedAt.IsZero())

		loaded, err := s.LoadDataset(ctx, "btc-1m")
		require.NoError(t, err)
		require.Len(t, loaded, 5)
		for i := 1; i < len(loaded); i++ {
			assert.Less(t, loaded[i-1].Timestamp, loaded[i].Timestamp)
		}
		assert.Equal(t, "BTC-USDT", loaded[0].Symbol)
		assert.Equal(t, "1m", loaded[0].Timeframe)
		assert.Equal(t, 100.0, loaded[0].Close)
	})

	t.Run("duplicate name", func(t *testing.T) {
		err := s.SaveDataset(ctx, Dataset{Name: "btc-1m", Symbol: "BTC-USDT", Timeframe: "1m"}, sampleCandles(1, 0))
		assert.ErrorIs(t, err, ErrDatasetExists)
	})

	t.Run("invalid dataset", func(t *testing.T) {
		assert.Error(t, s.SaveDataset(ctx, Dataset{Symbol: "X", Timeframe: "1m"}, nil))
		assert.Error(t, s.SaveDataset(ctx, Dataset{Name: "x", Timeframe: "1m"}, nil))
	})

	t.Run("find latest by symbol and timeframe", func(t *testing.T) {
		older := Dataset{Name: "eth-old", Symbol: "ETH-USDT", Timeframe: "1h", CreatedAt: time.Now().UTC().Add(-time.Hour)}
		newer := Dataset{Name: "eth-new", Symbol: "ETH-USDT", Timeframe: "1h", CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveDataset(ctx, older, sampleCandles(2, 0)))
		require.NoError(t, s.SaveDataset(ctx, newer, sampleCandles(3, 0)))

		found, err := s.FindDataset(ctx, "ETH-USDT", "1h")
		require.NoError(t, err)
		assert.Equal(t, "eth-new", found.Name)

		_, err = s.FindDataset(ctx, "ETH-USDT", "1d")
		assert.ErrorIs(t, err, ErrDatasetNotFound)
	})

	t.Run("list", func(t *testing.T) {
		all, err := s.ListDatasets(ctx)
		require.NoError(t, err)
		names := make([]string, len(all))
		for i, d := range all {
			names[i] = d.Name
		}
		assert.Equal(t, []string{"btc-1m", "eth-new", "eth-old"}, names)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteDataset(ctx, "eth-old"))
		_, err := s.GetDataset(ctx, "eth-old")
		assert.ErrorIs(t, err, ErrDatasetNotFound)
		_, err = s.LoadDataset(ctx, "eth-old")
		assert.ErrorIs(t, err, ErrDatasetNotFound)
		assert.ErrorIs(t, s.DeleteDataset(ctx, "eth-old"), ErrDatasetNotFound)

		// The name can be reused afterwards.
		require.NoError(t, s.SaveDataset(ctx, Dataset{Name: "eth-old", Symbol: "ETH-USDT", Timeframe: "1h"}, sampleCandles(1, 0)))
	})

	t.Run("empty dataset", func(t *testing.T) {
		require.NoError(t, s.SaveDataset(ctx, Dataset{Name: "empty", Symbol: "X", Timeframe: "1m"}, nil))
		loaded, err := s.LoadDataset(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, NewMemory())
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "datasets.db"))
	require.NoError(t, err)
	defer s.Close()
	runStorageSuite(t, s)
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasets.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDataset(context.Background(), Dataset{Name: "a", Symbol: "A", Timeframe: "1m"}, sampleCandles(3, 0)))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	loaded, err := s.LoadDataset(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind(dialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "a = ?", rebind(dialectSQLite, "a = ?"))
}
