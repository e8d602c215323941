// Package history resolves the candle series a backtest runs on: a stored
// dataset, or candles downloaded from an exchange and stored for next time.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var (
	ErrNoCandles      = errors.New("no candles available")
	ErrInvalidRequest = errors.New("invalid history request")
)

const (
	defaultChunkDays = 30
	callTimeout      = 30 * time.Second
)

// Request names either a stored dataset or a symbol/timeframe range.
type Request struct {
	Dataset   string
	Symbol    string
	Timeframe string
	From      time.Time
	To        time.Time // exclusive; zero means now
	SaveAs    string    // dataset name for downloaded candles; derived when empty
}

func (r Request) validate() error {
	if r.Dataset != "" {
		return nil
	}
	if r.Symbol == "" || r.Timeframe == "" {
		return errors.New("either a dataset name or symbol and timeframe are required")
	}
	if !tfutils.IsValidTimeframe(r.Timeframe) {
		return fmt.Errorf("unsupported timeframe: %s", r.Timeframe)
	}
	if r.From.IsZero() {
		return errors.New("from is required for a symbol/timeframe range")
	}
	if !r.To.IsZero() && !r.From.Before(r.To) {
		return fmt.Errorf("from %s is not before to %s", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// Loader reads candles from Storage and falls back to Exchange when nothing
// is stored. Exchange may be nil.
type Loader struct {
	Storage   db.Storage
	Exchange  exchange.Exchange
	ChunkDays int
	logger    *log.Logger
}

func NewLoader(storage db.Storage, ex exchange.Exchange) *Loader {
	return &Loader{
		Storage:   storage,
		Exchange:  ex,
		ChunkDays: defaultChunkDays,
		logger:    utils.GetLogger(),
	}
}

// Load returns a processed, validated candle series for req.
func (l *Loader) Load(ctx context.Context, req Request) ([]candle.Candle, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("Load | %w: %v", ErrInvalidRequest, err)
	}

	var (
		candles []candle.Candle
		err     error
	)
	if req.Dataset != "" {
		candles, err = l.loadDataset(ctx, req.Dataset)
	} else {
		candles, err = l.loadRange(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, ErrNoCandles
	}
	if err := candle.ValidateSeries(candles); err != nil {
		return nil, fmt.Errorf("Load | %w", err)
	}
	return candles, nil
}

func (l *Loader) loadDataset(ctx context.Context, name string) ([]candle.Candle, error) {
	rows, err := l.Storage.LoadDataset(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loadDataset | %s: %w", name, err)
	}
	return candle.Process(candle.FromRows(rows)), nil
}

func (l *Loader) loadRange(ctx context.Context, req Request) ([]candle.Candle, error) {
	to := req.To
	if to.IsZero() {
		to = time.Now().UTC()
	}

	ds, err := l.Storage.FindDataset(ctx, req.Symbol, req.Timeframe)
	switch {
	case err == nil:
		stored, err := l.loadDataset(ctx, ds.Name)
		if err != nil {
			return nil, err
		}
		if inRange := between(stored, req.From, to); len(inRange) > 0 {
			return inRange, nil
		}
		l.logger.Printf("loadRange | dataset %s has no candles in range, downloading", ds.Name)
	case errors.Is(err, db.ErrDatasetNotFound):
		l.logger.Printf("loadRange | no stored candles for %s %s, downloading", req.Symbol, req.Timeframe)
	default:
		return nil, fmt.Errorf("loadRange | %w", err)
	}

	if l.Exchange == nil {
		return nil, fmt.Errorf("%w for %s %s and no exchange configured", ErrNoCandles, req.Symbol, req.Timeframe)
	}
	name := req.SaveAs
	if name == "" {
		name = DatasetName(req.Symbol, req.Timeframe, req.From, to)
	}
	_, candles, err := l.Download(ctx, name, req.Symbol, req.Timeframe, req.From, to)
	return candles, err
}

// Download fetches [from, to) from the exchange in chunks, then stores the
// processed series as dataset name.
func (l *Loader) Download(ctx context.Context, name, symbol, timeframe string, from, to time.Time) (*db.Dataset, []candle.Candle, error) {
	if l.Exchange == nil {
		return nil, nil, errors.New("Download | no exchange configured")
	}
	if from.IsZero() || !from.Before(to) {
		return nil, nil, fmt.Errorf("Download | %w: empty or unbounded range %s to %s", ErrInvalidRequest,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	chunk := time.Duration(l.ChunkDays) * 24 * time.Hour
	if chunk <= 0 {
		chunk = defaultChunkDays * 24 * time.Hour
	}

	var all []candle.Candle
	for curr := from; curr.Before(to); {
		next := curr.Add(chunk)
		if next.After(to) {
			next = to
		}

		fetchCtx, cancel := context.WithTimeout(ctx, callTimeout)
		got, err := l.Exchange.FetchCandles(fetchCtx, symbol, timeframe, curr.UnixMilli(), next.UnixMilli()-1)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("Download | fetching %s to %s: %w",
				curr.Format(time.RFC3339), next.Format(time.RFC3339), err)
		}
		l.logger.Printf("Download | %d candles for %s [%s - %s]",
			len(got), symbol, curr.Format(time.RFC3339), next.Format(time.RFC3339))

		all = append(all, got...)
		curr = next
	}

	candles := between(candle.Process(all), from, to)
	if len(candles) == 0 {
		return nil, nil, fmt.Errorf("%w for %s from %s to %s", ErrNoCandles,
			symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	for i := range candles {
		candles[i].Symbol, candles[i].Timeframe = symbol, timeframe
	}

	ds, err := l.Save(ctx, name, l.Exchange.Name(), candles)
	if err != nil {
		return nil, nil, err
	}
	return ds, candles, nil
}

// Save stores candles as a new dataset. Symbol and timeframe are taken from
// the first candle.
func (l *Loader) Save(ctx context.Context, name, source string, candles []candle.Candle) (*db.Dataset, error) {
	if len(candles) == 0 {
		return nil, ErrNoCandles
	}
	ds := db.Dataset{
		Name:      name,
		Symbol:    candles[0].Symbol,
		Timeframe: candles[0].Timeframe,
		Source:    source,
	}

	saveCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := l.Storage.SaveDataset(saveCtx, ds, candle.ToRows(candles)); err != nil {
		return nil, fmt.Errorf("Save | dataset %s: %w", name, err)
	}
	saved, err := l.Storage.GetDataset(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("Save | reading back %s: %w", name, err)
	}
	l.logger.Printf("Save | stored %d candles as dataset %s", saved.Count, name)
	return saved, nil
}

// DatasetName derives a dataset name for a downloaded range.
func DatasetName(symbol, timeframe string, from, to time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", symbol, timeframe, from.UTC().Format("20060102"), to.UTC().Format("20060102"))
}

// between keeps candles with from <= timestamp < to. A zero from keeps
// everything before to.
func between(candles []candle.Candle, from, to time.Time) []candle.Candle {
	lo, hi := from.UnixMilli(), to.UnixMilli()
	if from.IsZero() {
		lo = 0
	}
	out := make([]candle.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Timestamp >= lo && c.Timestamp < hi {
			out = append(out, c)
		}
	}
	return out
}
