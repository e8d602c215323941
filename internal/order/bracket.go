package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/indicator"
	"github.com/amirphl/simple-backtester/internal/notifier"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var (
	ErrNoAction             = errors.New("recommendation is neutral, nothing to place")
	ErrUnsupportedOrderType = errors.New("order type not supported by the exchange")
	ErrNotFilled            = errors.New("main order was not filled")
)

type Leg string

const (
	LegMain       Leg = "main"
	LegStopLoss   Leg = "stop-loss"
	LegTakeProfit Leg = "take-profit"
)

// BracketRequest is an entry with its protective exit orders.
type BracketRequest struct {
	Main       OrderRequest `json:"main"`
	StopLoss   OrderRequest `json:"stop_loss"`
	TakeProfit OrderRequest `json:"take_profit"`
}

// BracketResult reports what was placed. On failure, Cancelled lists the
// order IDs withdrawn again and Reason says what happened.
type BracketResult struct {
	Success    bool           `json:"success"`
	Main       *OrderResponse `json:"main,omitempty"`
	StopLoss   *OrderResponse `json:"stop_loss,omitempty"`
	TakeProfit *OrderResponse `json:"take_profit,omitempty"`
	Cancelled  []string       `json:"cancelled,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// BracketError is returned when a leg fails. CancelErr is set when a
// compensating cancel failed as well, leaving an order live.
type BracketError struct {
	Leg       Leg
	Err       error
	CancelErr error
}

func (e *BracketError) Error() string {
	if e.CancelErr != nil {
		return fmt.Sprintf("%s order failed: %v (compensation failed: %v)", e.Leg, e.Err, e.CancelErr)
	}
	return fmt.Sprintf("%s order failed: %v", e.Leg, e.Err)
}

func (e *BracketError) Unwrap() error { return e.Err }

// Executor places bracket orders and undoes partial brackets.
type Executor struct {
	placer        Placer
	notifier      notifier.Notifier
	logger        *log.Logger
	cancelTimeout time.Duration

	mu        sync.Mutex
	cancelled map[string]struct{}
}

func NewExecutor(p Placer, n notifier.Notifier) *Executor {
	if n == nil {
		n = notifier.Nop{}
	}
	return &Executor{
		placer:        p,
		notifier:      n,
		logger:        utils.GetLogger(),
		cancelTimeout: 30 * time.Second,
		cancelled:     make(map[string]struct{}),
	}
}

func validate(leg Leg, req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%s: symbol is required", leg)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("%s: invalid side %q", leg, req.Side)
	}
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) {
		return fmt.Errorf("%s: quantity must be positive, got %v", leg, req.Quantity)
	}
	switch req.Type {
	case TypeLimit:
		if !(req.Price > 0) {
			return fmt.Errorf("%s: limit price must be positive", leg)
		}
	case TypeStopMarket:
		if !(req.StopPrice > 0) {
			return fmt.Errorf("%s: stop price must be positive", leg)
		}
	case TypeMarket:
	default:
		return fmt.Errorf("%s: unsupported order type %q", leg, req.Type)
	}
	return nil
}

// Validate checks every leg and that the exits close the entry.
func (b BracketRequest) Validate() error {
	for _, l := range []struct {
		leg Leg
		req OrderRequest
	}{{LegMain, b.Main}, {LegStopLoss, b.StopLoss}, {LegTakeProfit, b.TakeProfit}} {
		if err := validate(l.leg, l.req); err != nil {
			return err
		}
	}
	if b.StopLoss.Side == b.Main.Side || b.TakeProfit.Side == b.Main.Side {
		return errors.New("exit legs must be on the opposite side of the main order")
	}
	return nil
}

// PlaceBracket submits the main order, then the stop-loss, then the
// take-profit. If a leg fails every leg already placed is cancelled and the
// result reports the failure; a partially placed bracket is never left
// behind silently.
func (e *Executor) PlaceBracket(ctx context.Context, req BracketRequest) (BracketResult, error) {
	if err := req.Validate(); err != nil {
		return BracketResult{Reason: err.Error()}, err
	}

	var (
		res    BracketResult
		placed []string
	)
	legs := []struct {
		leg Leg
		req OrderRequest
		dst **OrderResponse
	}{
		{LegMain, req.Main, &res.Main},
		{LegStopLoss, req.StopLoss, &res.StopLoss},
		{LegTakeProfit, req.TakeProfit, &res.TakeProfit},
	}

	if ts, ok := e.placer.(TypeSupporter); ok {
		for _, l := range legs {
			if !ts.SupportsOrderType(l.req.Type) {
				bErr := &BracketError{Leg: l.leg, Err: fmt.Errorf("%w: %s", ErrUnsupportedOrderType, l.req.Type)}
				return BracketResult{Reason: bErr.Error()}, bErr
			}
		}
	}

	for _, l := range legs {
		resp, err := e.placer.SubmitOrder(ctx, l.req)
		if err != nil {
			return e.fail(ctx, res, placed, l.leg, err)
		}
		e.logger.Printf("PlaceBracket | placed %s order %s (%s %s %.8f)", l.leg, resp.OrderID, l.req.Side, l.req.Symbol, l.req.Quantity)
		r := resp
		*l.dst = &r
		placed = append(placed, resp.OrderID)
	}

	res.Success = true
	return res, nil
}

func (e *Executor) fail(ctx context.Context, res BracketResult, placed []string, leg Leg, cause error) (BracketResult, error) {
	bErr := &BracketError{Leg: leg, Err: cause}
	e.logger.Printf("PlaceBracket | %s order failed: %v", leg, cause)

	if len(placed) == 0 {
		res.Reason = fmt.Sprintf("%s order failed: %v", leg, cause)
		return res, bErr
	}

	cancelled, cancelErr := e.compensate(ctx, placed)
	res.Cancelled = cancelled
	bErr.CancelErr = cancelErr

	reason := fmt.Sprintf("%s order failed: %v; cancelled %d of %d placed orders (%s)",
		leg, cause, len(cancelled), len(placed), strings.Join(placed, ", "))
	if cancelErr != nil {
		reason += fmt.Sprintf("; compensation incomplete: %v", cancelErr)
	}
	res.Reason = reason

	if err := e.notifier.SendWithRetry("Bracket order partially failed: " + reason); err != nil {
		e.logger.Printf("PlaceBracket | notification failed: %v", err)
	}
	return res, bErr
}

// compensate cancels ids in reverse placement order. It runs even if ctx is
// already cancelled. IDs cancelled before are not cancelled again.
func (e *Executor) compensate(ctx context.Context, ids []string) ([]string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cancelTimeout)
	defer cancel()

	var (
		cancelled []string
		errs      []error
	)
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if e.wasCancelled(id) {
			cancelled = append(cancelled, id)
			continue
		}
		if err := e.placer.CancelOrder(cctx, id); err != nil {
			e.logger.Printf("PlaceBracket | cancel of %s failed: %v", id, err)
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
			continue
		}
		e.markCancelled(id)
		cancelled = append(cancelled, id)
	}
	return cancelled, errors.Join(errs...)
}

func (e *Executor) wasCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancelled[id]
	return ok
}

func (e *Executor) markCancelled(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[id] = struct{}{}
}

// Cancel withdraws a single order once. Repeated calls for the same ID are
// no-ops.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	if e.wasCancelled(orderID) {
		return nil
	}
	if err := e.placer.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	e.markCancelled(orderID)
	return nil
}

// AwaitFill polls the main order of a placed bracket every interval until it
// is filled. If the main order is closed unfilled, or still open when timeout
// passes, the remaining legs are cancelled and the error wraps ErrNotFilled.
func (e *Executor) AwaitFill(ctx context.Context, g StatusGetter, res BracketResult, timeout, interval time.Duration) (OrderResponse, error) {
	if res.Main == nil {
		return OrderResponse{}, errors.New("AwaitFill | bracket has no main order")
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := *res.Main
	for !strings.EqualFold(last.Status, "FILLED") {
		if closedUnfilled(last.Status) {
			cause := fmt.Errorf("%w: %s is %s", ErrNotFilled, last.OrderID, last.Status)
			return last, e.withdraw(ctx, cause, res.TakeProfit, res.StopLoss)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			cause := fmt.Errorf("%w within %s", ErrNotFilled, timeout)
			return last, e.withdraw(ctx, cause, res.TakeProfit, res.StopLoss, res.Main)
		case <-ticker.C:
		}
		st, err := g.GetOrderStatus(ctx, last.OrderID)
		if err != nil {
			e.logger.Printf("AwaitFill | status of %s: %v", last.OrderID, err)
			continue
		}
		last = st
	}
	e.logger.Printf("AwaitFill | main order %s filled %.8f @ %.8f", last.OrderID, last.FilledQty, last.AvgPrice)
	return last, nil
}

func closedUnfilled(status string) bool {
	switch strings.ToUpper(status) {
	case "CANCELED", "CANCELLED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

// withdraw cancels the given orders and joins any cancel failures to cause.
func (e *Executor) withdraw(ctx context.Context, cause error, orders ...*OrderResponse) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cancelTimeout)
	defer cancel()

	errs := []error{cause}
	for _, o := range orders {
		if o == nil {
			continue
		}
		if err := e.Cancel(cctx, o.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.OrderID, err))
		}
	}
	err := errors.Join(errs...)
	if nErr := e.notifier.SendWithRetry("Bracket withdrawn: " + err.Error()); nErr != nil {
		e.logger.Printf("AwaitFill | notification failed: %v", nErr)
	}
	return err
}

// FromRecommendation builds a limit-entry bracket from a recommendation.
// slPct and tpPct are fractions of price, e.g. 0.02 for 2%.
func FromRecommendation(rec indicator.Signal, symbol string, qty, price, slPct, tpPct float64) (BracketRequest, error) {
	if rec != indicator.Buy && rec != indicator.Sell {
		return BracketRequest{}, ErrNoAction
	}
	if !(price > 0) || !(qty > 0) {
		return BracketRequest{}, fmt.Errorf("price and quantity must be positive, got %v and %v", price, qty)
	}
	if !(slPct > 0 && slPct < 1) || !(tpPct > 0) {
		return BracketRequest{}, fmt.Errorf("invalid stop-loss/take-profit fractions %v/%v", slPct, tpPct)
	}

	entrySide, exitSide := SideBuy, SideSell
	stop, target := price*(1-slPct), price*(1+tpPct)
	if rec == indicator.Sell {
		entrySide, exitSide = SideSell, SideBuy
		stop, target = price*(1+slPct), price*(1-tpPct)
		if !(target > 0) {
			return BracketRequest{}, fmt.Errorf("take-profit fraction %v leaves no positive target", tpPct)
		}
	}

	return BracketRequest{
		Main: OrderRequest{Symbol: symbol, Side: entrySide, Type: TypeLimit, Price: price, Quantity: qty},
		StopLoss: OrderRequest{
			Symbol: symbol, Side: exitSide, Type: TypeStopMarket, StopPrice: stop, Quantity: qty, ReduceOnly: true,
		},
		TakeProfit: OrderRequest{
			Symbol: symbol, Side: exitSide, Type: TypeLimit, Price: target, Quantity: qty, ReduceOnly: true,
		},
	}, nil
}
