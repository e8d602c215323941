// Package position holds the single long-only position a backtest run may
// carry. Position is a value: every transition returns a new one.
package position

import (
	"errors"
	"fmt"
	"math"
)

type State int8

const (
	Flat State = iota
	Long
)

func (s State) String() string {
	switch s {
	case Flat:
		return "flat"
	case Long:
		return "long"
	default:
		return fmt.Sprintf("State(%d)", int8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SizingFraction is the share of capital committed on entry. The remainder
// is headroom and is never deducted.
const SizingFraction = 0.95

var (
	ErrAlreadyOpen  = errors.New("position already open")
	ErrNotOpen      = errors.New("no open position")
	ErrInvalidPrice = errors.New("price must be positive and finite")
)

// Position is flat, or long Size units bought at EntryPrice. EntryPrice and
// Size are zero while flat.
type Position struct {
	State      State   `json:"state"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	Size       float64 `json:"size,omitempty"`
}

func (p Position) IsOpen() bool { return p.State == Long }

func validPrice(price float64) bool {
	return price > 0 && !math.IsInf(price, 0) && !math.IsNaN(price)
}

// Open enters a long position sized at SizingFraction of capital.
func (p Position) Open(price, capital float64) (Position, error) {
	if p.IsOpen() {
		return p, ErrAlreadyOpen
	}
	if !validPrice(price) {
		return p, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	if capital <= 0 || math.IsInf(capital, 0) || math.IsNaN(capital) {
		return p, fmt.Errorf("capital must be positive and finite, got %v", capital)
	}
	return Position{State: Long, EntryPrice: price, Size: SizingFraction * capital / price}, nil
}

// Close exits at price and returns the flat position and the realized
// profit.
func (p Position) Close(price float64) (Position, float64, error) {
	if !p.IsOpen() {
		return p, 0, ErrNotOpen
	}
	if !validPrice(price) {
		return p, 0, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return Position{}, p.UnrealizedProfit(price), nil
}

// UnrealizedProfit marks the position to price. Zero when flat.
func (p Position) UnrealizedProfit(price float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	return (price - p.EntryPrice) * p.Size
}
