package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/simple-backtester/internal/order"
)

const (
	testKey    = "key-123"
	testSecret = "secret-456"
)

func newTestREST(t *testing.T, h http.Handler) *REST {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	r, err := NewREST(RESTConfig{
		BaseURL:   srv.URL,
		APIKey:    testKey,
		APISecret: testSecret,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	r.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return r
}

// verifySignature checks the request the way the venue would.
func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	assert.Equal(t, testKey, r.Header.Get(DefaultAPIKeyHeader))
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.GreaterOrEqual(t, idx, 0, "missing signature")
	payload, sig := raw[:idx], raw[idx+len("&signature="):]
	assert.Equal(t, Sign(testSecret, payload), sig)

	q, err := url.ParseQuery(payload)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", q.Get("timestamp"))
	assert.Equal(t, "5000", q.Get("recvWindow"))

	// the signed payload is in canonical key order
	keys := make([]string, 0)
	for _, kv := range strings.Split(payload, "&") {
		keys = append(keys, strings.SplitN(kv, "=", 2)[0])
	}
	assert.IsNonDecreasing(t, keys)
	return q
}

func TestSign(t *testing.T) {
	// HMAC-SHA256 test vector
	got := Sign("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func klineRow(openTime int64, price float64) []any {
	p := strconv.FormatFloat(price, 'f', -1, 64)
	return []any{openTime, p, p, p, p, "10", openTime + 59_999, "0", 1, "0", "0", "0"}
}

func TestREST_FetchCandlesPaginates(t *testing.T) {
	const total = 2500
	var starts []int64
	var mu sync.Mutex
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, klinesPath, req.URL.Path)
		q := req.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("interval"))
		assert.Equal(t, "1000", q.Get("limit"))
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		mu.Lock()
		starts = append(starts, start)
		mu.Unlock()

		var rows [][]any
		for ts := start; ts <= end && ts < total*60_000 && len(rows) < KlineLimit; ts += 60_000 {
			rows = append(rows, klineRow(ts, 100+float64(ts/60_000)))
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))

	candles, err := r.FetchCandles(context.Background(), "btc-usdt", "1m", 0, 10_000*60_000)
	require.NoError(t, err)
	require.Len(t, candles, total)
	assert.Equal(t, int64(0), candles[0].Timestamp)
	assert.Equal(t, int64(total-1)*60_000, candles[total-1].Timestamp)
	assert.Equal(t, "btc-usdt", candles[0].Symbol)
	assert.Equal(t, "rest", candles[0].Source)

	// continuation starts one millisecond after the last close time
	assert.Equal(t, []int64{0, 1000 * 60_000, 2000 * 60_000}, starts)
}

func TestREST_FetchCandlesRejectsBadInput(t *testing.T) {
	r := newTestREST(t, http.NotFoundHandler())
	_, err := r.FetchCandles(context.Background(), "BTCUSDT", "7m", 0, 1)
	assert.Error(t, err)
	_, err = r.FetchCandles(context.Background(), "BTCUSDT", "1m", 10, 1)
	assert.Error(t, err)
}

func TestREST_RetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))

	candles, err := r.FetchCandles(context.Background(), "BTCUSDT", "1m", 0, 60_000)
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Equal(t, int32(3), calls.Load())
}

func TestREST_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"too many requests"}`))
	}))

	_, err := r.FetchCandles(context.Background(), "BTCUSDT", "1m", 0, 60_000)
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1003, apiErr.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestREST_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))

	_, err := r.SubmitOrder(context.Background(), order.OrderRequest{
		Symbol: "NOPE", Side: order.SideBuy, Type: order.TypeMarket, Quantity: 1,
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Invalid symbol.", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestREST_OrderLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		status = "NEW"
	)
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := verifySignature(t, req)
		assert.Equal(t, orderPath, req.URL.Path)
		mu.Lock()
		defer mu.Unlock()

		switch req.Method {
		case http.MethodPost:
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			assert.Equal(t, "BUY", q.Get("side"))
			assert.Equal(t, "LIMIT", q.Get("type"))
			assert.Equal(t, "GTC", q.Get("timeInForce"))
			assert.Equal(t, "0.123", q.Get("quantity"))
			assert.Equal(t, "27123.45", q.Get("price"))
			assert.Len(t, q.Get("newClientOrderId"), 32)
		case http.MethodDelete:
			assert.Equal(t, "77", q.Get("orderId"))
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			status = "CANCELED"
		case http.MethodGet:
			assert.Equal(t, "77", q.Get("orderId"))
		}
		fmt.Fprintf(w, `{"orderId":77,"clientOrderId":"c1","symbol":"BTCUSDT","status":%q,"price":"27123.45",
			"avgPrice":"0","origQty":"0.123","executedQty":"0","side":"BUY","type":"LIMIT","updateTime":1700000000000}`, status)
	}))

	ctx := context.Background()
	resp, err := r.SubmitOrder(ctx, order.OrderRequest{
		Symbol: "BTC-USDT", Side: order.SideBuy, Type: order.TypeLimit, Price: 27123.45, Quantity: 0.123,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", resp.OrderID)
	assert.Equal(t, "BTC-USDT", resp.Symbol)
	assert.Equal(t, "buy", resp.Side)
	assert.Equal(t, "limit", resp.Type)
	assert.Equal(t, 0.123, resp.Quantity)

	require.NoError(t, r.CancelOrder(ctx, "77"))
	got, err := r.GetOrderStatus(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", got.Status)

	assert.Error(t, r.CancelOrder(ctx, "999"))
}

func TestREST_StopMarketOrder(t *testing.T) {
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := verifySignature(t, req)
		assert.Equal(t, "STOP_MARKET", q.Get("type"))
		assert.Equal(t, "98", q.Get("stopPrice"))
		assert.Equal(t, "true", q.Get("reduceOnly"))
		assert.Empty(t, q.Get("price"))
		_, _ = w.Write([]byte(`{"orderId":5,"symbol":"ETHUSDT","status":"NEW","side":"SELL","type":"STOP_MARKET"}`))
	}))

	resp, err := r.SubmitOrder(context.Background(), order.OrderRequest{
		Symbol: "ETH-USDT", Side: order.SideSell, Type: order.TypeStopMarket, StopPrice: 98, Quantity: 1, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "stop-market", resp.Type)
}

func TestREST_LeverageAndMarginType(t *testing.T) {
	var paths []string
	r := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := verifySignature(t, req)
		assert.Equal(t, http.MethodPost, req.Method)
		paths = append(paths, req.URL.Path)
		switch req.URL.Path {
		case leveragePath:
			assert.Equal(t, "5", q.Get("leverage"))
		case marginTypePath:
			assert.Equal(t, "ISOLATED", q.Get("marginType"))
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	require.NoError(t, r.SetLeverage(ctx, "BTC-USDT", 5))
	require.NoError(t, r.SetMarginType(ctx, "BTC-USDT", MarginIsolated))
	assert.Error(t, r.SetLeverage(ctx, "BTC-USDT", 0))
	assert.Error(t, r.SetMarginType(ctx, "BTC-USDT", "HALF"))
	assert.Equal(t, []string{leveragePath, marginTypePath}, paths)
}

func TestREST_SignedRequestsNeedCredentials(t *testing.T) {
	r, err := NewREST(RESTConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	err = r.SetLeverage(context.Background(), "BTCUSDT", 2)
	assert.ErrorContains(t, err, "API key and secret")

	_, err = NewREST(RESTConfig{})
	assert.Error(t, err)
}

func TestREST_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	r, err := NewREST(RESTConfig{BaseURL: srv.URL, BaseDelay: time.Hour, MaxDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.FetchCandles(ctx, "BTCUSDT", "1m", 0, 60_000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
