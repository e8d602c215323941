package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/order"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

// WallexExchange talks to Wallex through its Go SDK, which handles API key
// authentication.
type WallexExchange struct {
	client *wallex.Client

	attempts int
	delay    time.Duration
}

func NewWallexExchange(apiKey string) *WallexExchange {
	return &WallexExchange{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		attempts: 3,
		delay:    2 * time.Second,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// retry wraps a function with retry logic for transient errors, using
// exponential backoff capped at five minutes.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Exchange | Wallex retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, err, backoff)
		if i == attempts {
			break
		}
		if serr := sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff = min(backoff*2, 5*time.Minute)
	}
	return fmt.Errorf("all %d retry attempts failed: %w", attempts, err)
}

func (w *WallexExchange) FetchCandles(ctx context.Context, symbol string, timeframe string, start, end int64) ([]candle.Candle, error) {
	resolution, err := tfutils.WallexResolution(timeframe)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var wallexCandles []*wallex.Candle
	err = retry(ctx, w.attempts, w.delay, func() error {
		var err error
		wallexCandles, err = w.client.Candles(NormalizeSymbol(symbol), resolution, time.UnixMilli(start), time.UnixMilli(end))
		if err != nil {
			return fmt.Errorf("fetching candles: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FetchCandles failed: %w", err)
	}

	candles := make([]candle.Candle, 0, len(wallexCandles))
	for _, wc := range wallexCandles {
		c := candle.Candle{
			Timestamp: wc.Timestamp.UTC().Truncate(time.Minute).UnixMilli(),
			Open:      parseNumber(string(wc.Open)),
			High:      parseNumber(string(wc.High)),
			Low:       parseNumber(string(wc.Low)),
			Close:     parseNumber(string(wc.Close)),
			Volume:    parseNumber(string(wc.Volume)),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    w.Name(),
		}
		if err := c.Validate(); err != nil {
			utils.GetLogger().Printf("Exchange | Wallex dropping invalid candle at %d: %v", c.Timestamp, err)
			continue
		}
		candles = append(candles, c)
	}
	return candle.Process(candles), nil
}

// SupportsOrderType reports whether Wallex accepts orderType. Spot Wallex has
// no stop orders.
func (w *WallexExchange) SupportsOrderType(orderType string) bool {
	return orderType == order.TypeLimit || orderType == order.TypeMarket
}

func (w *WallexExchange) SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return order.OrderResponse{}, err
	}
	if !w.SupportsOrderType(req.Type) {
		return order.OrderResponse{}, fmt.Errorf("wallex: order type %q is not supported", req.Type)
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     strings.ToUpper(req.Type),
		Side:     strings.ToUpper(req.Side),
		Price:    wallex.Number(FormatDecimal(req.Price, 8)),
		Quantity: wallex.Number(FormatDecimal(req.Quantity, 8)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return order.OrderResponse{}, err
	}

	return order.OrderResponse{
		OrderID:   resp.ClientOrderID,
		Status:    strings.ToUpper(resp.Status),
		FilledQty: numberValue(resp.ExecutedQty),
		AvgPrice:  numberValue(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		UpdatedAt: resp.CreatedAt.UTC(),
	}, nil
}

func (w *WallexExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.client.CancelOrder(orderID)
}

func (w *WallexExchange) GetOrderStatus(ctx context.Context, orderID string) (order.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return order.OrderResponse{}, err
	}
	resp, err := w.client.Order(orderID)
	if err != nil {
		return order.OrderResponse{}, err
	}

	return order.OrderResponse{
		OrderID:   resp.ClientOrderID,
		Status:    strings.ToUpper(resp.Status),
		FilledQty: numberValue(resp.ExecutedQty),
		AvgPrice:  numberValue(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		Symbol:    DenormalizeSymbol(resp.Symbol),
		Side:      strings.ToLower(resp.Side),
		Type:      strings.ToLower(resp.Type),
		Price:     numberValue(&resp.Price),
		Quantity:  numberValue(&resp.OrigQty),
		UpdatedAt: resp.CreatedAt.UTC(),
	}, nil
}

// numberValue safely dereferences a *wallex.Number.
func numberValue(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	return parseNumber(string(*n))
}
