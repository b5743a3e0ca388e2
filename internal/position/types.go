// Package position maps fired verdicts onto exchange orders, one position per asset.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hilo-trend-engine/internal/indicator"
)

var (
	ErrMarginConfig = errors.New("margin configuration failed")
	ErrOrderFailed  = errors.New("order failed")
	// ErrMarginAlreadySet is returned by an Exchange when the requested
	// margin type is already active
	ErrMarginAlreadySet = errors.New("margin type already set")
	// ErrNothingToReduce is returned by an Exchange when a reduce-only order
	// finds no position to reduce
	ErrNothingToReduce = errors.New("no position to reduce")
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SideFromTrend maps GREEN to LONG and RED to SHORT
func SideFromTrend(t indicator.Trend) (Side, bool) {
	switch t {
	case indicator.TrendGreen:
		return SideLong, true
	case indicator.TrendRed:
		return SideShort, true
	default:
		return "", false
	}
}

// OpenOrderSide is the order side that opens the position
func (s Side) OpenOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide is the order side that flattens the position
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide is the side of a single order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// MarginType is the exchange margin mode
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
)

// Position is an open exchange position
type Position struct {
	Asset         string     `json:"asset"`
	Side          Side       `json:"side"`
	EntryPrice    float64    `json:"entry_price"`
	Quantity      float64    `json:"quantity"`
	Leverage      int        `json:"leverage"`
	MarginType    MarginType `json:"margin_type"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	OpenedAt      time.Time  `json:"opened_at"`
}

// Exchange is the narrow order surface the manager depends on
type Exchange interface {
	SetLeverage(ctx context.Context, asset string, leverage int) error
	SetMarginType(ctx context.Context, asset string, marginType MarginType) error
	GetOpenPositions(ctx context.Context) ([]Position, error)
	CreateMarketOrder(ctx context.Context, asset string, side OrderSide, quantity float64) (string, error)
	// CloseMarketOrder is a reduce-only market order: it can shrink the
	// position to flat but never open the other side
	CloseMarketOrder(ctx context.Context, asset string, side OrderSide, quantity float64) (string, error)
}

// ProtectiveOrders is implemented by exchanges that support stop orders
type ProtectiveOrders interface {
	PlaceStopLoss(ctx context.Context, asset string, side OrderSide, stopPrice float64) (string, error)
	CancelOpenOrders(ctx context.Context, asset string) error
}

// PriceSource provides the reference price used for sizing
type PriceSource interface {
	LastPrice(ctx context.Context, asset string) (float64, error)
}

// OutcomeKind classifies what Apply did
type OutcomeKind string

const (
	OutcomeOpened     OutcomeKind = "OPENED"
	OutcomeClosed     OutcomeKind = "CLOSED"
	OutcomeNoPosition OutcomeKind = "NO_POSITION"
	OutcomeNoOp       OutcomeKind = "NOOP"
	OutcomeFailed     OutcomeKind = "FAILED"
)

// OrderOutcome is the result of applying one verdict
type OrderOutcome struct {
	Asset       string      `json:"asset"`
	Kind        OutcomeKind `json:"kind"`
	Side        Side        `json:"side,omitempty"`
	Quantity    float64     `json:"quantity,omitempty"`
	Price       float64     `json:"price,omitempty"`
	OrderID     string      `json:"order_id,omitempty"`
	StopOrderID string      `json:"stop_order_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Err         error       `json:"-"`
	At          time.Time   `json:"at"`
}

func (o OrderOutcome) String() string {
	switch o.Kind {
	case OutcomeOpened:
		return fmt.Sprintf("OPENED %s %g", o.Side, o.Quantity)
	case OutcomeClosed:
		return fmt.Sprintf("CLOSED %s %g", o.Side, o.Quantity)
	case OutcomeFailed:
		return fmt.Sprintf("FAILED %s", o.Reason)
	default:
		return string(o.Kind)
	}
}
