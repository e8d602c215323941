package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/order"
)

// MockExchange is an in-memory exchange. Orders fill immediately unless a
// failure is configured for their type.
type MockExchange struct {
	mu           sync.Mutex
	candles      map[string][]candle.Candle // symbol|timeframe
	orders       map[string]order.OrderResponse
	failOn       map[string]error // order type -> error
	unsupported  map[string]bool
	orderCounter int64
	cancels      []string
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		candles:      make(map[string][]candle.Candle),
		orders:       make(map[string]order.OrderResponse),
		failOn:       make(map[string]error),
		unsupported:  make(map[string]bool),
		orderCounter: 1000,
	}
}

func (m *MockExchange) Name() string { return "mock" }

func candleKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// AddCandles makes candles available to FetchCandles.
func (m *MockExchange) AddCandles(symbol, timeframe string, cs []candle.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := candleKey(symbol, timeframe)
	m.candles[key] = candle.Process(append(m.candles[key], cs...))
}

// FailOrders makes SubmitOrder fail for orders of the given type. A nil
// error clears the failure.
func (m *MockExchange) FailOrders(orderType string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, orderType)
		return
	}
	m.failOn[orderType] = err
}

// DisableOrderType makes the mock report orderType as unsupported.
func (m *MockExchange) DisableOrderType(orderType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsupported[orderType] = true
}

func (m *MockExchange) SupportsOrderType(orderType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unsupported[orderType]
}

func (m *MockExchange) FetchCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []candle.Candle
	for _, c := range m.candles[candleKey(symbol, timeframe)] {
		if c.Timestamp >= start && c.Timestamp <= end {
			c.Source = m.Name()
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockExchange) SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return order.OrderResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsupported[req.Type] {
		return order.OrderResponse{}, fmt.Errorf("mock exchange: order type %q is not supported", req.Type)
	}
	if err := m.failOn[req.Type]; err != nil {
		return order.OrderResponse{}, err
	}

	m.orderCounter++
	now := time.Now().UTC()
	status, filled, avg := "FILLED", req.Quantity, req.Price
	if req.Type == order.TypeStopMarket {
		status, filled, avg = "NEW", 0, 0
	}
	resp := order.OrderResponse{
		OrderID:       fmt.Sprintf("mock_%d", m.orderCounter),
		ClientOrderID: req.ClientOrderID,
		Status:        status,
		FilledQty:     filled,
		AvgPrice:      avg,
		Timestamp:     now,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		UpdatedAt:     now,
	}
	m.orders[resp.OrderID] = resp
	return resp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock exchange: unknown order %s", orderID)
	}
	o.Status = "CANCELED"
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, orderID string) (order.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return order.OrderResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.OrderResponse{}, fmt.Errorf("mock exchange: unknown order %s", orderID)
	}
	return o, nil
}

// Cancelled returns the order IDs cancelled so far, in order.
func (m *MockExchange) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancels...)
}
