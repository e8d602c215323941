// Package order
package order

import (
	"context"
	"time"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit      = "limit"
	TypeMarket     = "market"
	TypeStopMarket = "stop-market"
)

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "buy" or "sell"
	Type          string  `json:"type"` // "limit", "market", "stop-market"
	Price         float64 `json:"price,omitempty"`
	Quantity      float64 `json:"quantity"`
	StopPrice     float64 `json:"stop_price,omitempty"` // For stop orders
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// OrderResponse represents the response from the exchange.
type OrderResponse struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Status        string    `json:"status"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	Timestamp     time.Time `json:"timestamp"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Placer is the part of an exchange the executor needs.
type Placer interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// TypeSupporter is implemented by placers that accept only some order types.
type TypeSupporter interface {
	SupportsOrderType(orderType string) bool
}

// StatusGetter reads the current state of a placed order.
type StatusGetter interface {
	GetOrderStatus(ctx context.Context, orderID string) (OrderResponse, error)
}
