package binance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// MarketData is the public, unauthenticated part of the futures API
type MarketData interface {
	GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

const paperTakerFee = 0.0004

// FuturesMockClient implements the FuturesClient interface for dry-run mode.
// Market orders fill immediately at the latest price from market; stop orders
// rest as NEW until cancelled.
type FuturesMockClient struct {
	market MarketData

	mu          sync.RWMutex
	positions   map[string]*FuturesPosition
	orders      map[int64]*FuturesOrderResponse
	leverage    map[string]int
	marginType  map[string]MarginType
	prices      map[string]float64
	balance     float64
	fees        float64
	nextOrderId int64
	now         func() time.Time
}

// NewFuturesMockClient creates a new paper trading client. market may be nil
// when prices are fed through SetPrice.
func NewFuturesMockClient(initialBalance float64, market MarketData) *FuturesMockClient {
	return &FuturesMockClient{
		market:      market,
		positions:   make(map[string]*FuturesPosition),
		orders:      make(map[int64]*FuturesOrderResponse),
		leverage:    make(map[string]int),
		marginType:  make(map[string]MarginType),
		prices:      make(map[string]float64),
		balance:     initialBalance,
		nextOrderId: 1000,
		now:         time.Now,
	}
}

// SetPrice pins the fill price for a symbol
func (c *FuturesMockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// Balance returns the simulated wallet balance after realized PnL and fees
func (c *FuturesMockClient) Balance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

// ==================== LEVERAGE & MARGIN ====================

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if leverage < 1 || leverage > 125 {
		return nil, fmt.Errorf("invalid leverage: must be between 1 and 125")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage

	return &LeverageResponse{
		Leverage:         leverage,
		MaxNotionalValue: 1000000.0 / float64(leverage),
		Symbol:           symbol,
	}, nil
}

// SetMarginType mirrors the exchange and rejects an unchanged margin type
func (c *FuturesMockClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.getMarginTypeLocked(symbol) == marginType {
		return &APIError{Status: 400, Code: CodeMarginTypeUnchanged, Msg: "No need to change margin type."}
	}
	c.marginType[symbol] = marginType
	return nil
}

// ==================== POSITIONS ====================

func (c *FuturesMockClient) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	positions := make([]FuturesPosition, 0, len(c.positions))
	for _, pos := range c.positions {
		p := *pos
		if price, ok := c.prices[p.Symbol]; ok {
			p.MarkPrice = price
			p.UnrealizedProfit = (price - p.EntryPrice) * p.PositionAmt
		}
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	if params.Type == FuturesOrderTypeStopMarket {
		return c.restStop(params), nil
	}
	if params.Type != FuturesOrderTypeMarket {
		return nil, fmt.Errorf("paper client supports MARKET and STOP_MARKET orders, got %s", params.Type)
	}
	if params.Quantity <= 0 {
		return nil, &APIError{Status: 400, Code: -4003, Msg: "Quantity less than or equal to zero."}
	}

	price, err := c.GetFuturesCurrentPrice(ctx, params.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	qty := params.Quantity
	if params.Side == "SELL" {
		qty = -qty
	}

	pos, exists := c.positions[params.Symbol]
	if params.ReduceOnly {
		if !exists || (pos.PositionAmt > 0) == (qty > 0) {
			return nil, &APIError{Status: 400, Code: CodeReduceOnlyRejected, Msg: "ReduceOnly Order is rejected."}
		}
		if math.Abs(qty) > math.Abs(pos.PositionAmt) {
			qty = -pos.PositionAmt
		}
	}
	if !exists {
		pos = &FuturesPosition{
			Symbol:       params.Symbol,
			Leverage:     c.getLeverageLocked(params.Symbol),
			MarginType:   string(c.getMarginTypeLocked(params.Symbol)),
			PositionSide: "BOTH",
		}
		c.positions[params.Symbol] = pos
	}

	oldAmt := pos.PositionAmt
	newAmt := oldAmt + qty
	switch {
	case oldAmt == 0:
		pos.EntryPrice = price
	case (oldAmt > 0) == (qty > 0):
		// Adding to position - average entry price
		pos.EntryPrice = (pos.EntryPrice*math.Abs(oldAmt) + price*math.Abs(qty)) / math.Abs(newAmt)
	default:
		// Reducing position - realize PnL on the closed part
		closed := math.Min(math.Abs(qty), math.Abs(oldAmt))
		sign := 1.0
		if oldAmt < 0 {
			sign = -1
		}
		c.balance += (price - pos.EntryPrice) * closed * sign
		if math.Abs(qty) > math.Abs(oldAmt) {
			pos.EntryPrice = price
		}
	}
	pos.PositionAmt = roundQty(newAmt)
	pos.UpdateTime = c.now().UnixMilli()
	if pos.PositionAmt == 0 {
		delete(c.positions, params.Symbol)
	}

	filled := math.Abs(qty)
	fee := price * filled * paperTakerFee
	c.balance -= fee
	c.fees += fee

	order := &FuturesOrderResponse{
		OrderId:       c.nextOrderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusFilled),
		ClientOrderId: params.NewClientOrderId,
		AvgPrice:      price,
		OrigQty:       params.Quantity,
		ExecutedQty:   filled,
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		Side:          params.Side,
		UpdateTime:    c.now().UnixMilli(),
	}
	c.nextOrderId++
	c.orders[order.OrderId] = order
	return order, nil
}

func (c *FuturesMockClient) restStop(params FuturesOrderParams) *FuturesOrderResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := &FuturesOrderResponse{
		OrderId:       c.nextOrderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusNew),
		ClientOrderId: params.NewClientOrderId,
		Type:          string(params.Type),
		ClosePosition: params.ClosePosition,
		Side:          params.Side,
		StopPrice:     params.StopPrice,
		UpdateTime:    c.now().UnixMilli(),
	}
	c.nextOrderId++
	c.orders[order.OrderId] = order
	return order
}

func (c *FuturesMockClient) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, order := range c.orders {
		if order.Symbol == symbol && order.Status == string(FuturesOrderStatusNew) {
			order.Status = string(FuturesOrderStatusCanceled)
		}
	}
	return nil
}

// OpenOrders lists resting orders for a symbol
func (c *FuturesMockClient) OpenOrders(symbol string) []FuturesOrderResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []FuturesOrderResponse
	for _, order := range c.orders {
		if order.Symbol == symbol && order.Status == string(FuturesOrderStatusNew) {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderId < out[j].OrderId })
	return out
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetFuturesKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if c.market == nil {
		return nil, fmt.Errorf("paper client has no market data source")
	}
	klines, err := c.market.GetFuturesKlines(ctx, symbol, interval, limit)
	if err == nil && len(klines) > 0 {
		c.SetPrice(symbol, klines[len(klines)-1].Close)
	}
	return klines, err
}

// GetFuturesCurrentPrice returns the pinned price, falling back to market
func (c *FuturesMockClient) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	price, ok := c.prices[symbol]
	c.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}
	if c.market == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return c.market.GetFuturesCurrentPrice(ctx, symbol)
}

// ==================== HELPERS ====================

func (c *FuturesMockClient) getLeverageLocked(symbol string) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 1
}

func (c *FuturesMockClient) getMarginTypeLocked(symbol string) MarginType {
	if mt, ok := c.marginType[symbol]; ok {
		return mt
	}
	return MarginTypeCrossed
}

func roundQty(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

var _ FuturesClient = (*FuturesMockClient)(nil)
