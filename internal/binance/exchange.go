package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/position"
)

const clientOrderPrefix = "hilo-"

// Exchange adapts a FuturesClient to the position manager's order surface
type Exchange struct {
	client FuturesClient
}

// NewExchange wraps client
func NewExchange(client FuturesClient) *Exchange {
	return &Exchange{client: client}
}

// SetLeverage implements position.Exchange
func (e *Exchange) SetLeverage(ctx context.Context, asset string, leverage int) error {
	_, err := e.client.SetLeverage(ctx, asset, leverage)
	return err
}

// SetMarginType implements position.Exchange. The -4046 rejection maps to
// position.ErrMarginAlreadySet.
func (e *Exchange) SetMarginType(ctx context.Context, asset string, marginType position.MarginType) error {
	err := e.client.SetMarginType(ctx, asset, MarginType(marginType))
	if apiErr, ok := AsAPIError(err); ok && (apiErr.IsMarginTypeUnchanged() || apiErr.Code == CodeNoNeedToChangeMargin) {
		return fmt.Errorf("%w: %s", position.ErrMarginAlreadySet, apiErr.Msg)
	}
	return err
}

// GetOpenPositions implements position.Exchange, skipping flat rows
func (e *Exchange) GetOpenPositions(ctx context.Context) ([]position.Position, error) {
	rows, err := e.client.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]position.Position, 0, len(rows))
	for _, r := range rows {
		if r.PositionAmt == 0 {
			continue
		}
		side := position.SideLong
		qty := r.PositionAmt
		if qty < 0 {
			side = position.SideShort
			qty = -qty
		}
		p := position.Position{
			Asset:         r.Symbol,
			Side:          side,
			EntryPrice:    r.EntryPrice,
			Quantity:      qty,
			Leverage:      r.Leverage,
			MarginType:    position.MarginType(strings.ToUpper(r.MarginType)),
			UnrealizedPnL: r.UnrealizedProfit,
		}
		if r.UpdateTime > 0 {
			p.OpenedAt = time.UnixMilli(r.UpdateTime).UTC()
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateMarketOrder implements position.Exchange. A fresh client order id is
// sent so a retried request cannot fill twice.
func (e *Exchange) CreateMarketOrder(ctx context.Context, asset string, side position.OrderSide, quantity float64) (string, error) {
	resp, err := e.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           asset,
		Side:             string(side),
		Type:             FuturesOrderTypeMarket,
		Quantity:         quantity,
		NewClientOrderId: newClientOrderID(),
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderId, 10), nil
}

// CloseMarketOrder implements position.Exchange with a reduceOnly MARKET
// order. The -2022 rejection maps to position.ErrNothingToReduce.
func (e *Exchange) CloseMarketOrder(ctx context.Context, asset string, side position.OrderSide, quantity float64) (string, error) {
	resp, err := e.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           asset,
		Side:             string(side),
		Type:             FuturesOrderTypeMarket,
		Quantity:         quantity,
		ReduceOnly:       true,
		NewClientOrderId: newClientOrderID(),
	})
	if apiErr, ok := AsAPIError(err); ok && apiErr.Code == CodeReduceOnlyRejected {
		return "", fmt.Errorf("%w: %s", position.ErrNothingToReduce, apiErr.Msg)
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderId, 10), nil
}

// PlaceStopLoss implements position.ProtectiveOrders with a STOP_MARKET
// closePosition order triggered on mark price
func (e *Exchange) PlaceStopLoss(ctx context.Context, asset string, side position.OrderSide, stopPrice float64) (string, error) {
	resp, err := e.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           asset,
		Side:             string(side),
		Type:             FuturesOrderTypeStopMarket,
		StopPrice:        roundPrice(stopPrice),
		ClosePosition:    true,
		WorkingType:      WorkingTypeMarkPrice,
		NewClientOrderId: newClientOrderID(),
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderId, 10), nil
}

// CancelOpenOrders implements position.ProtectiveOrders
func (e *Exchange) CancelOpenOrders(ctx context.Context, asset string) error {
	return e.client.CancelAllFuturesOrders(ctx, asset)
}

// LastPrice implements position.PriceSource
func (e *Exchange) LastPrice(ctx context.Context, asset string) (float64, error) {
	return e.client.GetFuturesCurrentPrice(ctx, asset)
}

func newClientOrderID() string {
	return clientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// roundPrice keeps stop prices to a tick-friendly precision
func roundPrice(p float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(p, 'f', 4, 64), 64)
	return v
}

// KlineProvider serves closed bars from the futures klines endpoint
type KlineProvider struct {
	market MarketData
}

// NewKlineProvider wraps market
func NewKlineProvider(market MarketData) *KlineProvider {
	return &KlineProvider{market: market}
}

// FetchBars implements marketdata.Provider
func (p *KlineProvider) FetchBars(ctx context.Context, asset string, tf marketdata.Timeframe, limit int) ([]marketdata.PriceBar, error) {
	if _, err := tf.Duration(); err != nil {
		return nil, err
	}
	klines, err := p.market.GetFuturesKlines(ctx, asset, string(tf), limit)
	if err != nil {
		return nil, err
	}

	bars := make([]marketdata.PriceBar, len(klines))
	for i, k := range klines {
		bars[i] = marketdata.PriceBar{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	return bars, nil
}

var (
	_ position.Exchange         = (*Exchange)(nil)
	_ position.ProtectiveOrders = (*Exchange)(nil)
	_ position.PriceSource      = (*Exchange)(nil)
	_ marketdata.Provider       = (*KlineProvider)(nil)
)
