package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryDataset struct {
	meta    Dataset
	candles []Candle
	seq     int64
}

// MemoryStorage keeps datasets in process memory. Used by tests and by the
// server when no database is configured.
type MemoryStorage struct {
	mu       sync.RWMutex
	datasets map[string]*memoryDataset
	seq      int64
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemory() *MemoryStorage {
	return &MemoryStorage{datasets: make(map[string]*memoryDataset)}
}

func (m *MemoryStorage) SaveDataset(ctx context.Context, ds Dataset, candles []Candle) error {
	if err := validateDataset(ds); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[ds.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDatasetExists, ds.Name)
	}

	stored := make([]Candle, len(candles))
	copy(stored, candles)
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].Timestamp < stored[j].Timestamp })
	m.seq++
	m.datasets[ds.Name] = &memoryDataset{meta: describe(ds, stored), candles: stored, seq: m.seq}
	return nil
}

func (m *MemoryStorage) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[name]
	if !ok {
		return nil, ErrDatasetNotFound
	}
	meta := d.meta
	return &meta, nil
}

func (m *MemoryStorage) LoadDataset(ctx context.Context, name string) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[name]
	if !ok {
		return nil, ErrDatasetNotFound
	}
	out := make([]Candle, len(d.candles))
	for i, c := range d.candles {
		c.Symbol, c.Timeframe, c.Source = d.meta.Symbol, d.meta.Timeframe, d.meta.Source
		out[i] = c
	}
	return out, nil
}

func (m *MemoryStorage) FindDataset(ctx context.Context, symbol, timeframe string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *memoryDataset
	for _, d := range m.datasets {
		if d.meta.Symbol != symbol || d.meta.Timeframe != timeframe {
			continue
		}
		if best == nil || d.meta.CreatedAt.After(best.meta.CreatedAt) ||
			(d.meta.CreatedAt.Equal(best.meta.CreatedAt) && d.seq > best.seq) {
			best = d
		}
	}
	if best == nil {
		return nil, ErrDatasetNotFound
	}
	meta := best.meta
	return &meta, nil
}

func (m *MemoryStorage) ListDatasets(ctx context.Context) ([]Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Dataset, 0, len(m.datasets))
	for _, d := range m.datasets {
		out = append(out, d.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStorage) DeleteDataset(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	delete(m.datasets, name)
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
