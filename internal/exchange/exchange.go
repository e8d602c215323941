// Package exchange
package exchange

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/order"
)

// Exchange is the interface for all supported exchanges. Times are unix
// milliseconds.
type Exchange interface {
	Name() string
	FetchCandles(ctx context.Context, symbol string, timeframe string, start, end int64) ([]candle.Candle, error)
	SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (order.OrderResponse, error)
}

var (
	_ Exchange     = (*REST)(nil)
	_ Exchange     = (*WallexExchange)(nil)
	_ Exchange     = (*MockExchange)(nil)
	_ order.Placer = Exchange(nil)

	_ order.StatusGetter  = Exchange(nil)
	_ order.TypeSupporter = (*REST)(nil)
	_ order.TypeSupporter = (*WallexExchange)(nil)
	_ order.TypeSupporter = (*MockExchange)(nil)
)

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// DenormalizeSymbol turns BTCUSDT back into BTC-USDT for the known quote
// currencies, and splits off the last three characters otherwise.
func DenormalizeSymbol(symbol string) string {
	for _, quote := range []string{"USDT", "TMN", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote) + "-" + quote
		}
	}
	if len(symbol) <= 3 {
		return symbol
	}
	return symbol[:len(symbol)-3] + "-" + symbol[len(symbol)-3:]
}

// FormatDecimal renders v with at most precision fractional digits, rounded
// down so a quantity never exceeds what was asked for. Trailing zeros are
// dropped.
func FormatDecimal(v float64, precision int32) string {
	return decimal.NewFromFloat(v).RoundFloor(precision).String()
}

// RoundToTick rounds v down to a multiple of tick. A non-positive tick
// returns v unchanged.
func RoundToTick(v, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	if !t.IsPositive() {
		return v
	}
	out, _ := decimal.NewFromFloat(v).Div(t).Floor().Mul(t).Float64()
	return out
}

func parseNumber(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
