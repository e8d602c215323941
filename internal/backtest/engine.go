// Package backtest replays a candle series through the composite strategy,
// simulating a single long-only position.
package backtest

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/indicator"
	"github.com/amirphl/simple-backtester/internal/position"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/utils"
)

const (
	DefaultProgressEvery = 50
	DefaultPollInterval  = 100 * time.Millisecond
	yieldEvery           = 100
)

// Trade is an executed entry or exit. Profit is set on exits only.
type Trade struct {
	Timestamp  int64              `json:"timestamp"`
	Type       indicator.Signal   `json:"type"`
	Price      float64            `json:"price"`
	Size       float64            `json:"size"`
	Profit     *float64           `json:"profit,omitempty"`
	Indicators map[string]float64 `json:"indicators"`
}

// State is everything a step carries over to the next one.
type State struct {
	Position    position.Position `json:"position"`
	Capital     float64           `json:"capital"`
	PeakCapital float64           `json:"peak_capital"`
	MaxDrawdown float64           `json:"max_drawdown"` // fraction of peak
	Wins        int               `json:"wins"`
	Losses      int               `json:"losses"`
}

func NewState(initialCapital float64) State {
	return State{Capital: initialCapital, PeakCapital: initialCapital}
}

// StepResult is what a single step produced besides the next state.
type StepResult struct {
	Analysis strategy.Result
	Trade    *Trade
}

// Step processes candle i against the window [0, i]. It never mutates st;
// on error the returned state is st unchanged.
func Step(st State, candles []candle.Candle, i int, cfg strategy.Config) (State, StepResult, error) {
	if i < 0 || i >= len(candles) {
		return st, StepResult{}, fmt.Errorf("step index %d out of range [0, %d)", i, len(candles))
	}
	c := candles[i]
	if err := c.CheckValues(); err != nil {
		return st, StepResult{}, fmt.Errorf("candle %d: %w", i, err)
	}

	analysis, err := strategy.Analyze(candle.NewWindow(candles, i), cfg)
	if err != nil {
		return st, StepResult{}, err
	}
	out := StepResult{Analysis: analysis}

	switch {
	case !st.Position.IsOpen() && analysis.Recommendation == indicator.Buy:
		pos, err := st.Position.Open(c.Close, st.Capital)
		if err != nil {
			return st, StepResult{}, err
		}
		st.Position = pos
		out.Trade = &Trade{
			Timestamp:  c.Timestamp,
			Type:       indicator.Buy,
			Price:      c.Close,
			Size:       pos.Size,
			Indicators: analysis.Snapshot(),
		}

	case st.Position.IsOpen() && analysis.Recommendation == indicator.Sell:
		size := st.Position.Size
		pos, profit, err := st.Position.Close(c.Close)
		if err != nil {
			return st, StepResult{}, err
		}
		st.Position = pos
		st.Capital += profit
		if profit > 0 {
			st.Wins++
		} else {
			st.Losses++
		}
		if st.Capital > st.PeakCapital {
			st.PeakCapital = st.Capital
		}
		if st.PeakCapital > 0 {
			st.MaxDrawdown = math.Max(st.MaxDrawdown, (st.PeakCapital-st.Capital)/st.PeakCapital)
		}
		out.Trade = &Trade{
			Timestamp:  c.Timestamp,
			Type:       indicator.Sell,
			Price:      c.Close,
			Size:       size,
			Profit:     &profit,
			Indicators: analysis.Snapshot(),
		}
	}
	return st, out, nil
}

// Progress is a point-in-time view of a run. Trades and Equity alias the
// run's logs and must be treated as read-only.
type Progress struct {
	Index          int              `json:"index"`
	Total          int              `json:"total"`
	Trades         []Trade          `json:"trades"`
	Equity         []float64        `json:"equity"`
	InitialCapital float64          `json:"initial_capital"`
	Capital        float64          `json:"capital"`
	Paused         bool             `json:"paused"`
	Indicators     *strategy.Result `json:"indicators,omitempty"`
}

// ProgressFunc receives progress synchronously on the run's goroutine.
type ProgressFunc func(Progress)

// SkippedStep records a candle whose step failed and was left out of the
// trade log and equity curve.
type SkippedStep struct {
	Index     int    `json:"index"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// OpenPosition is a position still held when the series ended, marked to
// the last processed close. It is not part of the realized figures.
type OpenPosition struct {
	position.Position
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
}

// Result is the outcome of a run. A cancelled run still returns the Result
// accumulated so far with Cancelled set.
type Result struct {
	Summary
	InitialCapital float64       `json:"initial_capital"`
	FinalCapital   float64       `json:"final_capital"`
	WarmupPeriod   int           `json:"warmup_period"`
	Trades         []Trade       `json:"trades"`
	Equity         []float64     `json:"equity"`
	OpenPosition   *OpenPosition `json:"open_position,omitempty"`
	SkippedSteps   []SkippedStep `json:"skipped_steps,omitempty"`
	Cancelled      bool          `json:"cancelled"`
	LastIndex      int           `json:"last_index"` // last candle reached; -1 if none
}

type Option func(*Engine)

// WithPollInterval sets how often a paused run re-emits its paused snapshot.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithProgressEvery sets the step interval for progress before the first
// trade.
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine runs backtests. Pause and Resume may be called from any goroutine
// and take effect at the next step boundary.
type Engine struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed by Resume

	pollInterval  time.Duration
	progressEvery int
	logger        *log.Logger
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		pollInterval:  DefaultPollInterval,
		progressEvery: DefaultProgressEvery,
		logger:        utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resume)
	}
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// checkpoint runs at every step boundary. It returns ctx's error once the
// run is cancelled and blocks while paused, calling onPaused immediately and
// then every poll interval.
func (e *Engine) checkpoint(ctx context.Context, onPaused func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		e.mu.Lock()
		if !e.paused {
			e.mu.Unlock()
			return nil
		}
		resumed := e.resume
		e.mu.Unlock()

		if ticker == nil {
			ticker = time.NewTicker(e.pollInterval)
			onPaused()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		case <-ticker.C:
			onPaused()
		}
	}
}

func validateInput(candles []candle.Candle, initialCapital float64, cfg strategy.Config) error {
	if err := candle.ValidateSeries(candles); err != nil {
		return err
	}
	if initialCapital <= 0 || math.IsInf(initialCapital, 0) || math.IsNaN(initialCapital) {
		return &candle.InvalidInputError{
			Reason: fmt.Sprintf("initial capital must be positive and finite, got %v", initialCapital),
			Index:  -1,
		}
	}
	if err := cfg.Validate(); err != nil {
		return &candle.InvalidInputError{Reason: err.Error(), Index: -1}
	}
	return nil
}

// Run simulates the strategy over candles. The series is only read and may
// be shared between concurrent runs. Invalid input fails before any step
// with *candle.InvalidInputError. Cancelling ctx stops the run at the next
// step boundary and returns the partial Result together with an error
// wrapping ctx.Err().
func (e *Engine) Run(
	ctx context.Context,
	candles []candle.Candle,
	initialCapital float64,
	cfg strategy.Config,
	onProgress ProgressFunc,
) (*Result, error) {
	if err := validateInput(candles, initialCapital, cfg); err != nil {
		return nil, err
	}

	warmup := cfg.WarmupPeriod()
	st := NewState(initialCapital)
	equity := make([]float64, 1, max(len(candles)-warmup, 0)+1)
	equity[0] = initialCapital
	var (
		trades  []Trade
		skipped []SkippedStep
		last    *strategy.Result
		mark    float64
	)

	emit := func(i int, paused bool) {
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			Index:          i,
			Total:          len(candles),
			Trades:         trades,
			Equity:         equity,
			InitialCapital: initialCapital,
			Capital:        st.Capital,
			Paused:         paused,
			Indicators:     last,
		})
	}

	var runErr error
	steps := 0
	reached := min(warmup, len(candles)) - 1
	for i := warmup; i < len(candles); i++ {
		if err := e.checkpoint(ctx, func() { emit(i, true) }); err != nil {
			runErr = fmt.Errorf("backtest stopped before candle %d: %w", i, err)
			e.logger.Printf("Run | %v", runErr)
			break
		}

		reached = i
		next, out, err := Step(st, candles, i, cfg)
		if err != nil {
			e.logger.Printf("Run | skipping candle %d (ts=%d): %v", i, candles[i].Timestamp, err)
			skipped = append(skipped, SkippedStep{Index: i, Timestamp: candles[i].Timestamp, Reason: err.Error()})
			continue
		}
		st = next
		if out.Trade != nil {
			trades = append(trades, *out.Trade)
		}
		equity = append(equity, st.Capital)
		last = &out.Analysis
		mark = candles[i].Close

		if i%e.progressEvery == 0 || len(trades) > 0 {
			emit(i, false)
		}

		steps++
		if steps%yieldEvery == 0 {
			runtime.Gosched()
		}
	}

	res := &Result{
		Summary:        Summarize(trades, equity),
		InitialCapital: initialCapital,
		FinalCapital:   st.Capital,
		WarmupPeriod:   warmup,
		Trades:         trades,
		Equity:         equity,
		SkippedSteps:   skipped,
		Cancelled:      runErr != nil,
		LastIndex:      reached,
	}
	if st.Position.IsOpen() {
		res.OpenPosition = &OpenPosition{
			Position:         st.Position,
			MarkPrice:        mark,
			UnrealizedProfit: st.Position.UnrealizedProfit(mark),
		}
	}
	return res, runErr
}
