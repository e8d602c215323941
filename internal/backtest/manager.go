package backtest

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var ErrRunNotFound = errors.New("backtest run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Update is the compact progress event delivered to subscribers.
type Update struct {
	RunID          string             `json:"run_id"`
	Index          int                `json:"index"`
	Total          int                `json:"total"`
	TradeCount     int                `json:"trade_count"`
	LastTrade      *Trade             `json:"last_trade,omitempty"`
	InitialCapital float64            `json:"initial_capital"`
	Capital        float64            `json:"capital"`
	Paused         bool               `json:"paused"`
	Indicators     map[string]float64 `json:"indicators,omitempty"`
	Done           bool               `json:"done"`
}

func newUpdate(id string, p Progress) Update {
	u := Update{
		RunID:          id,
		Index:          p.Index,
		Total:          p.Total,
		TradeCount:     len(p.Trades),
		InitialCapital: p.InitialCapital,
		Capital:        p.Capital,
		Paused:         p.Paused,
	}
	if n := len(p.Trades); n > 0 {
		t := p.Trades[n-1]
		u.LastTrade = &t
	}
	if p.Indicators != nil {
		u.Indicators = p.Indicators.Snapshot()
	}
	return u
}

// RunInfo is a read-only view of a managed run.
type RunInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Status    Status          `json:"status"`
	Config    strategy.Config `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	Progress  *Update         `json:"progress,omitempty"`
	Result    *Result         `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type run struct {
	id        string
	name      string
	cfg       strategy.Config
	createdAt time.Time
	engine    *Engine
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	last   *Update
	result *Result
	err    error
	subs   map[chan Update]struct{}
}

func (r *run) publish(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &u
	for ch := range r.subs {
		select {
		case ch <- u:
		default:
			// slow subscriber, drop
		}
	}
}

func (r *run) finish(res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result, r.err = res, err
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	close(r.done)
}

func (r *run) info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		ID:        r.id,
		Name:      r.name,
		Config:    r.cfg,
		CreatedAt: r.createdAt,
		Progress:  r.last,
		Result:    r.result,
	}
	select {
	case <-r.done:
		info.Status = StatusCompleted
		if r.err != nil {
			info.Status = StatusCancelled
			info.Error = r.err.Error()
		}
	default:
		info.Status = StatusRunning
		if r.engine.IsPaused() {
			info.Status = StatusPaused
		}
	}
	return info
}

// Manager runs many backtests concurrently. Runs share nothing but the
// read-only candle slices they were started with.
type Manager struct {
	mu     sync.RWMutex
	runs   map[string]*run
	opts   []Option
	logger *log.Logger
}

// NewManager creates a manager whose engines are built with opts.
func NewManager(opts ...Option) *Manager {
	return &Manager{
		runs:   make(map[string]*run),
		opts:   opts,
		logger: utils.GetLogger(),
	}
}

// Request describes a run to start.
type Request struct {
	Name           string
	Candles        []candle.Candle
	InitialCapital float64
	Config         strategy.Config
	Paused         bool // start suspended before the first step
}

// Start validates the request and launches the run in its own goroutine.
func (m *Manager) Start(req Request) (string, error) {
	candles := req.Candles
	if err := validateInput(candles, req.InitialCapital, req.Config); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		name:      req.Name,
		cfg:       req.Config,
		createdAt: time.Now().UTC(),
		engine:    NewEngine(m.opts...),
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[chan Update]struct{}),
	}
	if req.Paused {
		r.engine.Pause()
	}

	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()

	go func() {
		defer cancel()
		res, err := r.engine.Run(ctx, candles, req.InitialCapital, req.Config, func(p Progress) {
			r.publish(newUpdate(r.id, p))
		})
		if res != nil {
			r.publish(Update{
				RunID:          r.id,
				Index:          res.LastIndex,
				Total:          len(candles),
				TradeCount:     len(res.Trades),
				InitialCapital: res.InitialCapital,
				Capital:        res.FinalCapital,
				Done:           true,
			})
		}
		if err != nil {
			m.logger.Printf("Manager | run %s ended: %v", r.id, err)
		} else {
			m.logger.Printf("Manager | run %s completed: %d trades, net profit %.2f", r.id, res.TotalTrades, res.NetProfit)
		}
		r.finish(res, err)
	}()

	m.logger.Printf("Manager | started run %s (%s) over %d candles", r.id, req.Name, len(candles))
	return r.id, nil
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (m *Manager) Get(id string) (RunInfo, error) {
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	return r.info(), nil
}

// List returns every run, oldest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	out := make([]RunInfo, len(runs))
	for i, r := range runs {
		out[i] = r.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Pause(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.engine.Pause()
	return nil
}

func (m *Manager) Resume(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.engine.Resume()
	return nil
}

// Cancel stops the run at its next step boundary. A paused run is cancelled
// without being resumed.
func (m *Manager) Cancel(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Done returns a channel closed when the run has finished.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// Subscribe returns a channel of progress updates and a function that
// unsubscribes. Updates are dropped when the channel is full. The channel is
// closed when the run finishes; subscribing to a finished run yields an
// already-closed channel.
func (m *Manager) Subscribe(id string) (<-chan Update, func(), error) {
	r, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Update, 16)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// Shutdown cancels every run and waits for them to stop or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
