package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/simple-backtester/internal/indicator"
)

type mockPlacer struct {
	mock.Mock
}

func (m *mockPlacer) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(OrderResponse), args.Error(1)
}

func (m *mockPlacer) CancelOrder(ctx context.Context, orderID string) error {
	return m.Called(ctx, orderID).Error(0)
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(msg string) error { return r.SendWithRetry(msg) }
func (r *recordingNotifier) SendWithRetry(msg string) error {
	r.messages = append(r.messages, msg)
	return nil
}

func legType(typ string) any {
	return mock.MatchedBy(func(r OrderRequest) bool { return r.Type == typ })
}

func buyBracket(t *testing.T) BracketRequest {
	t.Helper()
	req, err := FromRecommendation(indicator.Buy, "BTC-USDT", 0.5, 100, 0.02, 0.05)
	require.NoError(t, err)
	return req
}

func TestPlaceBracket_Success(t *testing.T) {
	p := new(mockPlacer)
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Side == SideBuy })).
		Return(OrderResponse{OrderID: "main-1", Status: "NEW"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, legType(TypeStopMarket)).
		Return(OrderResponse{OrderID: "sl-1", Status: "NEW"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool {
		return r.Side == SideSell && r.Type == TypeLimit
	})).Return(OrderResponse{OrderID: "tp-1", Status: "NEW"}, nil).Once()

	res, err := NewExecutor(p, nil).PlaceBracket(context.Background(), buyBracket(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "main-1", res.Main.OrderID)
	assert.Equal(t, "sl-1", res.StopLoss.OrderID)
	assert.Equal(t, "tp-1", res.TakeProfit.OrderID)
	assert.Empty(t, res.Reason)
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestPlaceBracket_MainFails(t *testing.T) {
	p := new(mockPlacer)
	cause := errors.New("insufficient balance")
	p.On("SubmitOrder", mock.Anything, mock.Anything).Return(OrderResponse{}, cause).Once()
	n := &recordingNotifier{}

	res, err := NewExecutor(p, n).PlaceBracket(context.Background(), buyBracket(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	var bErr *BracketError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, LegMain, bErr.Leg)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "main order failed")
	assert.Empty(t, res.Cancelled)
	assert.Empty(t, n.messages)
	p.AssertNumberOfCalls(t, "SubmitOrder", 1)
}

func TestPlaceBracket_StopLossFailsCancelsMain(t *testing.T) {
	p := new(mockPlacer)
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Side == SideBuy })).
		Return(OrderResponse{OrderID: "main-1"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, legType(TypeStopMarket)).
		Return(OrderResponse{}, errors.New("rejected")).Once()
	p.On("CancelOrder", mock.Anything, "main-1").Return(nil).Once()
	n := &recordingNotifier{}

	res, err := NewExecutor(p, n).PlaceBracket(context.Background(), buyBracket(t))
	var bErr *BracketError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, LegStopLoss, bErr.Leg)
	assert.NoError(t, bErr.CancelErr)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"main-1"}, res.Cancelled)
	assert.Contains(t, res.Reason, "stop-loss order failed: rejected")
	assert.Nil(t, res.TakeProfit)
	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "partially failed")
	p.AssertExpectations(t)
}

func TestPlaceBracket_TakeProfitFailsCancelsBothInReverse(t *testing.T) {
	p := new(mockPlacer)
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Side == SideBuy })).
		Return(OrderResponse{OrderID: "main-1"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, legType(TypeStopMarket)).
		Return(OrderResponse{OrderID: "sl-1"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(OrderResponse{}, errors.New("timeout")).Once()

	var order []string
	p.On("CancelOrder", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		order = append(order, args.String(1))
	})

	res, err := NewExecutor(p, nil).PlaceBracket(context.Background(), buyBracket(t))
	require.Error(t, err)
	assert.Equal(t, []string{"sl-1", "main-1"}, order)
	assert.Equal(t, []string{"sl-1", "main-1"}, res.Cancelled)
	assert.Contains(t, res.Reason, "take-profit order failed")
}

func TestPlaceBracket_CompensationFailureIsReported(t *testing.T) {
	p := new(mockPlacer)
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Side == SideBuy })).
		Return(OrderResponse{OrderID: "main-1"}, nil).Once()
	p.On("SubmitOrder", mock.Anything, mock.Anything).Return(OrderResponse{}, errors.New("rejected")).Once()
	p.On("CancelOrder", mock.Anything, "main-1").Return(errors.New("exchange down")).Once()

	res, err := NewExecutor(p, nil).PlaceBracket(context.Background(), buyBracket(t))
	var bErr *BracketError
	require.True(t, errors.As(err, &bErr))
	assert.Error(t, bErr.CancelErr)
	assert.Empty(t, res.Cancelled)
	assert.Contains(t, res.Reason, "compensation incomplete")
	assert.Contains(t, err.Error(), "exchange down")
}

func TestPlaceBracket_CompensatesAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := new(mockPlacer)
	p.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Side == SideBuy })).
		Return(OrderResponse{OrderID: "main-1"}, nil).Run(func(mock.Arguments) { cancel() }).Once()
	p.On("SubmitOrder", mock.Anything, mock.Anything).Return(OrderResponse{}, context.Canceled).Once()
	p.On("CancelOrder", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), "main-1").
		Return(nil).Once()

	res, err := NewExecutor(p, nil).PlaceBracket(ctx, buyBracket(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"main-1"}, res.Cancelled)
	p.AssertExpectations(t)
}

func TestPlaceBracket_InvalidRequest(t *testing.T) {
	p := new(mockPlacer)
	req := buyBracket(t)
	req.StopLoss.Side = SideBuy
	_, err := NewExecutor(p, nil).PlaceBracket(context.Background(), req)
	assert.Error(t, err)

	req = buyBracket(t)
	req.Main.Quantity = 0
	_, err = NewExecutor(p, nil).PlaceBracket(context.Background(), req)
	assert.Error(t, err)
	p.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

type limitOnlyPlacer struct{ *mockPlacer }

func (limitOnlyPlacer) SupportsOrderType(orderType string) bool {
	return orderType == TypeLimit || orderType == TypeMarket
}

func TestPlaceBracket_UnsupportedLegTypePlacesNothing(t *testing.T) {
	p := limitOnlyPlacer{new(mockPlacer)}

	res, err := NewExecutor(p, nil).PlaceBracket(context.Background(), buyBracket(t))
	require.ErrorIs(t, err, ErrUnsupportedOrderType)
	var bErr *BracketError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, LegStopLoss, bErr.Leg)
	assert.False(t, res.Success)
	assert.Nil(t, res.Main)
	assert.Contains(t, res.Reason, TypeStopMarket)
	p.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	p.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

type statusGetter struct {
	mock.Mock
}

func (g *statusGetter) GetOrderStatus(ctx context.Context, orderID string) (OrderResponse, error) {
	args := g.Called(ctx, orderID)
	return args.Get(0).(OrderResponse), args.Error(1)
}

func placedBracket() BracketResult {
	return BracketResult{
		Success:    true,
		Main:       &OrderResponse{OrderID: "main-1", Status: "NEW"},
		StopLoss:   &OrderResponse{OrderID: "sl-1", Status: "NEW"},
		TakeProfit: &OrderResponse{OrderID: "tp-1", Status: "NEW"},
	}
}

func TestAwaitFill_PollsUntilFilled(t *testing.T) {
	g := new(statusGetter)
	g.On("GetOrderStatus", mock.Anything, "main-1").Return(OrderResponse{OrderID: "main-1", Status: "NEW"}, nil).Once()
	g.On("GetOrderStatus", mock.Anything, "main-1").Return(OrderResponse{}, errors.New("flaky")).Once()
	g.On("GetOrderStatus", mock.Anything, "main-1").
		Return(OrderResponse{OrderID: "main-1", Status: "FILLED", FilledQty: 0.5, AvgPrice: 100}, nil).Once()
	p := new(mockPlacer)

	got, err := NewExecutor(p, nil).AwaitFill(context.Background(), g, placedBracket(), time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", got.Status)
	assert.Equal(t, 0.5, got.FilledQty)
	g.AssertExpectations(t)
	p.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestAwaitFill_AlreadyFilled(t *testing.T) {
	res := placedBracket()
	res.Main.Status = "FILLED"
	g := new(statusGetter)

	_, err := NewExecutor(new(mockPlacer), nil).AwaitFill(context.Background(), g, res, time.Second, time.Millisecond)
	require.NoError(t, err)
	g.AssertNotCalled(t, "GetOrderStatus", mock.Anything, mock.Anything)
}

func TestAwaitFill_TimeoutWithdrawsEveryLeg(t *testing.T) {
	g := new(statusGetter)
	g.On("GetOrderStatus", mock.Anything, "main-1").Return(OrderResponse{OrderID: "main-1", Status: "NEW"}, nil)
	p := new(mockPlacer)
	var cancelled []string
	p.On("CancelOrder", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		cancelled = append(cancelled, args.String(1))
	})
	n := &recordingNotifier{}

	_, err := NewExecutor(p, n).AwaitFill(context.Background(), g, placedBracket(), 30*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrNotFilled)
	assert.Equal(t, []string{"tp-1", "sl-1", "main-1"}, cancelled)
	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "withdrawn")
}

func TestAwaitFill_RejectedMainCancelsExits(t *testing.T) {
	g := new(statusGetter)
	g.On("GetOrderStatus", mock.Anything, "main-1").Return(OrderResponse{OrderID: "main-1", Status: "REJECTED"}, nil).Once()
	p := new(mockPlacer)
	p.On("CancelOrder", mock.Anything, "tp-1").Return(nil).Once()
	p.On("CancelOrder", mock.Anything, "sl-1").Return(errors.New("already gone")).Once()

	_, err := NewExecutor(p, nil).AwaitFill(context.Background(), g, placedBracket(), time.Second, time.Millisecond)
	require.ErrorIs(t, err, ErrNotFilled)
	assert.Contains(t, err.Error(), "already gone")
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "CancelOrder", mock.Anything, "main-1")
}

func TestAwaitFill_NoMainOrder(t *testing.T) {
	_, err := NewExecutor(new(mockPlacer), nil).AwaitFill(context.Background(), new(statusGetter), BracketResult{}, time.Second, time.Millisecond)
	assert.Error(t, err)
}

func TestExecutor_CancelIsIdempotent(t *testing.T) {
	p := new(mockPlacer)
	p.On("CancelOrder", mock.Anything, "abc").Return(nil).Once()

	e := NewExecutor(p, nil)
	require.NoError(t, e.Cancel(context.Background(), "abc"))
	require.NoError(t, e.Cancel(context.Background(), "abc"))
	p.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestFromRecommendation(t *testing.T) {
	_, err := FromRecommendation(indicator.Neutral, "BTC-USDT", 1, 100, 0.02, 0.05)
	assert.ErrorIs(t, err, ErrNoAction)

	buy, err := FromRecommendation(indicator.Buy, "BTC-USDT", 1, 100, 0.02, 0.05)
	require.NoError(t, err)
	assert.Equal(t, SideBuy, buy.Main.Side)
	assert.Equal(t, TypeLimit, buy.Main.Type)
	assert.Equal(t, SideSell, buy.StopLoss.Side)
	assert.InDelta(t, 98, buy.StopLoss.StopPrice, 1e-9)
	assert.InDelta(t, 105, buy.TakeProfit.Price, 1e-9)
	assert.True(t, buy.StopLoss.ReduceOnly)
	assert.NoError(t, buy.Validate())

	sell, err := FromRecommendation(indicator.Sell, "BTC-USDT", 1, 100, 0.02, 0.05)
	require.NoError(t, err)
	assert.Equal(t, SideSell, sell.Main.Side)
	assert.InDelta(t, 102, sell.StopLoss.StopPrice, 1e-9)
	assert.InDelta(t, 95, sell.TakeProfit.Price, 1e-9)

	_, err = FromRecommendation(indicator.Buy, "BTC-USDT", 0, 100, 0.02, 0.05)
	assert.Error(t, err)
	_, err = FromRecommendation(indicator.Buy, "BTC-USDT", 1, 100, 1.5, 0.05)
	assert.Error(t, err)
	_, err = FromRecommendation(indicator.Sell, "BTC-USDT", 1, 100, 0.02, 1)
	assert.Error(t, err)
}
