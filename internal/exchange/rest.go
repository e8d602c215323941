package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/order"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

const (
	klinesPath     = "/fapi/v1/klines"
	orderPath      = "/fapi/v1/order"
	leveragePath   = "/fapi/v1/leverage"
	marginTypePath = "/fapi/v1/marginType"

	// KlineLimit is the largest batch the kline endpoint returns.
	KlineLimit = 1000

	DefaultAPIKeyHeader = "X-MBX-APIKEY"
	DefaultRecvWindow   = 5 * time.Second
)

type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// RESTConfig configures a signed REST client.
type RESTConfig struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	APIKeyHeader      string
	RecvWindow        time.Duration
	RequestsPerMinute int // 0 disables rate limiting
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PricePrecision    int32
	QuantityPrecision int32
	HTTPClient        *http.Client
}

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// REST is a signed REST client for a futures venue. Private endpoints are
// authenticated with an API key header and an HMAC-SHA256 signature over the
// sorted query string.
type REST struct {
	cfg     RESTConfig
	client  *http.Client
	limiter *utils.RateLimiter
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	symbols map[string]string // order ID -> exchange symbol
}

func NewREST(cfg RESTConfig) (*REST, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rest exchange: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest exchange: invalid base URL: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = DefaultRecvWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.PricePrecision <= 0 {
		cfg.PricePrecision = 8
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &REST{
		cfg:     cfg,
		client:  client,
		limiter: utils.NewRateLimiter(cfg.RequestsPerMinute),
		logger:  utils.GetLogger(),
		now:     time.Now,
		symbols: make(map[string]string),
	}, nil
}

func (r *REST) Name() string { return "rest" }

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery adds timestamp and recvWindow, encodes the parameters sorted by
// key and appends the signature of that encoding.
func (r *REST) signedQuery(params url.Values) string {
	p := url.Values{}
	for k, v := range params {
		p[k] = append([]string(nil), v...)
	}
	p.Set("timestamp", strconv.FormatInt(r.now().UnixMilli(), 10))
	p.Set("recvWindow", strconv.FormatInt(r.cfg.RecvWindow.Milliseconds(), 10))
	q := p.Encode()
	return q + "&signature=" + Sign(r.cfg.APISecret, q)
}

// do sends one request, retrying transport failures and retryable statuses
// with exponential backoff.
func (r *REST) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if signed && (r.cfg.APIKey == "" || r.cfg.APISecret == "") {
		return errors.New("rest exchange: API key and secret are required for signed requests")
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateRetryDelay(attempt-1, r.cfg.BaseDelay, r.cfg.MaxDelay)
			r.logger.Printf("REST | %s %s retrying in %v after: %v", method, path, delay, lastErr)
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry: %w", err)
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		query := params.Encode()
		if signed {
			query = r.signedQuery(params)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path+"?"+query, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if r.cfg.APIKey != "" {
			req.Header.Set(r.cfg.APIKeyHeader, r.cfg.APIKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("network error on attempt %d: %w", attempt+1, err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("error reading response body on attempt %d: %w", attempt+1, err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Status: resp.StatusCode}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			if !isRetryableHTTPStatus(resp.StatusCode) {
				return apiErr
			}
			lastErr = apiErr
			continue
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("JSON decode error: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, r.cfg.MaxRetries, lastErr)
}

// FetchCandles pages through the kline endpoint. Each batch asks for up to
// KlineLimit candles and the next one starts 1 ms after the last close time.
func (r *REST) FetchCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	if end < start {
		return nil, fmt.Errorf("end %d is before start %d", end, start)
	}

	var out []candle.Candle
	cursor := start
	for cursor <= end {
		params := url.Values{}
		params.Set("symbol", NormalizeSymbol(symbol))
		params.Set("interval", timeframe)
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(KlineLimit))

		var rows [][]any
		if err := r.do(ctx, http.MethodGet, klinesPath, params, false, &rows); err != nil {
			return nil, fmt.Errorf("FetchCandles | %w", err)
		}
		if len(rows) == 0 {
			break
		}

		var lastClose int64
		for _, row := range rows {
			c, closeTime, err := parseKline(row)
			if err != nil {
				return nil, fmt.Errorf("FetchCandles | %w", err)
			}
			c.Symbol, c.Timeframe, c.Source = symbol, timeframe, r.Name()
			out = append(out, c)
			lastClose = closeTime
		}
		r.logger.Printf("FetchCandles | %s %s: fetched %d candles from %d", symbol, timeframe, len(rows), cursor)

		if len(rows) < KlineLimit || lastClose < cursor {
			break
		}
		cursor = lastClose + 1
	}
	return candle.Process(out), nil
}

// parseKline reads [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row []any) (candle.Candle, int64, error) {
	if len(row) < 7 {
		return candle.Candle{}, 0, fmt.Errorf("kline has %d fields, want at least 7", len(row))
	}
	openTime, ok1 := row[0].(float64)
	closeTime, ok2 := row[6].(float64)
	if !ok1 || !ok2 {
		return candle.Candle{}, 0, errors.New("kline times are not numbers")
	}
	vals := make([]float64, 5)
	for i := range vals {
		switch v := row[i+1].(type) {
		case string:
			vals[i] = parseNumber(v)
		case float64:
			vals[i] = v
		default:
			return candle.Candle{}, 0, fmt.Errorf("kline field %d has type %T", i+1, v)
		}
	}
	c := candle.Candle{
		Timestamp: int64(openTime),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}
	if err := c.Validate(); err != nil {
		return candle.Candle{}, 0, fmt.Errorf("kline at %d: %w", c.Timestamp, err)
	}
	return c, int64(closeTime), nil
}

type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o restOrder) toResponse() order.OrderResponse {
	ts := time.UnixMilli(o.UpdateTime).UTC()
	return order.OrderResponse{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        strings.ToUpper(o.Status),
		FilledQty:     parseNumber(o.ExecutedQty),
		AvgPrice:      parseNumber(o.AvgPrice),
		Timestamp:     ts,
		Symbol:        DenormalizeSymbol(o.Symbol),
		Side:          strings.ToLower(o.Side),
		Type:          strings.ReplaceAll(strings.ToLower(o.Type), "_", "-"),
		Price:         parseNumber(o.Price),
		Quantity:      parseNumber(o.OrigQty),
		UpdatedAt:     ts,
	}
}

// SupportsOrderType reports whether the futures API accepts orderType.
func (r *REST) SupportsOrderType(orderType string) bool {
	switch orderType {
	case order.TypeLimit, order.TypeMarket, order.TypeStopMarket:
		return true
	}
	return false
}

func (r *REST) SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	symbol := NormalizeSymbol(req.Symbol)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", strings.ToUpper(strings.ReplaceAll(req.Type, "-", "_")))
	params.Set("quantity", FormatDecimal(req.Quantity, r.cfg.QuantityPrecision))
	switch req.Type {
	case order.TypeLimit:
		params.Set("price", FormatDecimal(req.Price, r.cfg.PricePrecision))
		params.Set("timeInForce", "GTC")
	case order.TypeStopMarket:
		params.Set("stopPrice", FormatDecimal(req.StopPrice, r.cfg.PricePrecision))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	params.Set("newClientOrderId", clientID)

	var resp restOrder
	if err := r.do(ctx, http.MethodPost, orderPath, params, true, &resp); err != nil {
		return order.OrderResponse{}, fmt.Errorf("SubmitOrder | %w", err)
	}
	out := resp.toResponse()
	if out.Symbol == "" {
		out.Symbol = req.Symbol
	}

	r.mu.Lock()
	r.symbols[out.OrderID] = symbol
	r.mu.Unlock()
	return out, nil
}

func (r *REST) orderParams(orderID string) (url.Values, error) {
	r.mu.Lock()
	symbol, ok := r.symbols[orderID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %s was not placed through this client", orderID)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return params, nil
}

func (r *REST) CancelOrder(ctx context.Context, orderID string) error {
	params, err := r.orderParams(orderID)
	if err != nil {
		return err
	}
	if err := r.do(ctx, http.MethodDelete, orderPath, params, true, nil); err != nil {
		return fmt.Errorf("CancelOrder | %w", err)
	}
	return nil
}

func (r *REST) GetOrderStatus(ctx context.Context, orderID string) (order.OrderResponse, error) {
	params, err := r.orderParams(orderID)
	if err != nil {
		return order.OrderResponse{}, err
	}
	var resp restOrder
	if err := r.do(ctx, http.MethodGet, orderPath, params, true, &resp); err != nil {
		return order.OrderResponse{}, fmt.Errorf("GetOrderStatus | %w", err)
	}
	return resp.toResponse(), nil
}

// SetLeverage sets the initial leverage for symbol.
func (r *REST) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", leverage)
	}
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return r.do(ctx, http.MethodPost, leveragePath, params, true, nil)
}

// SetMarginType switches symbol between isolated and crossed margin.
func (r *REST) SetMarginType(ctx context.Context, symbol string, mt MarginType) error {
	if mt != MarginIsolated && mt != MarginCrossed {
		return fmt.Errorf("unknown margin type %q", mt)
	}
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("marginType", string(mt))
	return r.do(ctx, http.MethodPost, marginTypePath, params, true, nil)
}
