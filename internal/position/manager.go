package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/signal"
)

// Config holds order placement configuration
type Config struct {
	Leverage    int
	MarginType  MarginType
	StopLossPct float64
}

// Manager reconciles against the exchange and emits at most one order per verdict
type Manager struct {
	exchange Exchange
	prices   PriceSource
	sizer    *Sizer
	repo     Repository
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a position manager
func NewManager(exchange Exchange, prices PriceSource, sizer *Sizer, repo Repository, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.MarginType == "" {
		cfg.MarginType = MarginIsolated
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Manager{
		exchange: exchange,
		prices:   prices,
		sizer:    sizer,
		repo:     repo,
		cfg:      cfg,
		logger:   logger.With().Str("component", "PositionManager").Logger(),
		now:      time.Now,
	}
}

// Apply maps a fired verdict onto the asset's exchange position: open when
// flat, close an opposite position, leave a matching one alone
func (m *Manager) Apply(ctx context.Context, v signal.Verdict) OrderOutcome {
	if !v.Fired {
		return m.outcome(v.Asset, OutcomeNoOp, "verdict not fired")
	}
	side, ok := SideFromTrend(v.Direction)
	if !ok {
		return m.failed(v.Asset, fmt.Errorf("verdict for %s has no direction", v.Asset))
	}

	current, err := m.Reconcile(ctx, v.Asset)
	if err != nil {
		return m.failed(v.Asset, err)
	}

	switch {
	case current == nil:
		return m.open(ctx, v.Asset, side)
	case current.Side == side:
		m.logger.Info().
			Str("asset", v.Asset).
			Str("cycle_id", v.CycleID).
			Str("side", string(side)).
			Float64("quantity", current.Quantity).
			Msg("Position already matches verdict")
		o := m.outcome(v.Asset, OutcomeNoOp, "position already "+string(side))
		o.Side = side
		o.Quantity = current.Quantity
		return o
	default:
		return m.close(ctx, *current)
	}
}

// Close flattens the asset's position on operator request
func (m *Manager) Close(ctx context.Context, asset string) OrderOutcome {
	current, err := m.Reconcile(ctx, asset)
	if err != nil {
		return m.failed(asset, err)
	}
	if current == nil {
		return m.outcome(asset, OutcomeNoPosition, "no open position")
	}
	return m.close(ctx, *current)
}

// Reconcile reads the exchange positions, refreshes the repository and
// returns the asset's open position, if any
func (m *Manager) Reconcile(ctx context.Context, asset string) (*Position, error) {
	positions, err := m.exchange.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read positions: %v", ErrOrderFailed, err)
	}

	open := make([]Position, 0, len(positions))
	for _, p := range positions {
		if p.Quantity > 0 {
			open = append(open, p)
		}
	}
	if err := m.repo.Replace(ctx, open); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to refresh position cache")
	}

	for _, p := range open {
		if p.Asset == asset {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

// Positions returns the cached positions from the last reconciliation
func (m *Manager) Positions(ctx context.Context) ([]Position, error) {
	return m.repo.All(ctx)
}

func (m *Manager) open(ctx context.Context, asset string, side Side) OrderOutcome {
	price, err := m.prices.LastPrice(ctx, asset)
	if err != nil {
		return m.failed(asset, fmt.Errorf("%w: price for %s: %v", ErrOrderFailed, asset, err))
	}
	qty, err := m.sizer.Quantity(asset, price)
	if err != nil {
		return m.failed(asset, fmt.Errorf("%w: %v", ErrOrderFailed, err))
	}
	if err := m.configure(ctx, asset); err != nil {
		return m.failed(asset, err)
	}

	orderID, err := m.exchange.CreateMarketOrder(ctx, asset, side.OpenOrderSide(), qty)
	if err != nil {
		return m.failed(asset, fmt.Errorf("%w: open %s %s %g: %v", ErrOrderFailed, asset, side, qty, err))
	}

	pos := Position{
		Asset:      asset,
		Side:       side,
		EntryPrice: price,
		Quantity:   qty,
		Leverage:   m.cfg.Leverage,
		MarginType: m.cfg.MarginType,
		OpenedAt:   m.now().UTC(),
	}
	if err := m.repo.Save(ctx, pos); err != nil {
		m.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to cache opened position")
	}

	o := m.outcome(asset, OutcomeOpened, "")
	o.Side = side
	o.Quantity = qty
	o.Price = price
	o.OrderID = orderID
	o.StopOrderID = m.protect(ctx, pos)

	m.logger.Info().
		Str("asset", asset).
		Str("side", string(side)).
		Float64("quantity", qty).
		Float64("price", price).
		Int("leverage", m.cfg.Leverage).
		Str("order_id", orderID).
		Msg("Position opened")
	return o
}

func (m *Manager) close(ctx context.Context, pos Position) OrderOutcome {
	if po, ok := m.exchange.(ProtectiveOrders); ok && m.cfg.StopLossPct > 0 {
		if err := po.CancelOpenOrders(ctx, pos.Asset); err != nil {
			m.logger.Warn().Err(err).Str("asset", pos.Asset).Msg("Failed to cancel protective orders")
		}
	}
	if err := m.configure(ctx, pos.Asset); err != nil {
		return m.failed(pos.Asset, err)
	}

	orderID, err := m.exchange.CloseMarketOrder(ctx, pos.Asset, pos.Side.CloseOrderSide(), pos.Quantity)
	if errors.Is(err, ErrNothingToReduce) {
		return m.vanished(ctx, pos, err)
	}
	if err != nil {
		return m.failed(pos.Asset, fmt.Errorf("%w: close %s %s %g: %v", ErrOrderFailed, pos.Asset, pos.Side, pos.Quantity, err))
	}
	if err := m.repo.Delete(ctx, pos.Asset); err != nil {
		m.logger.Warn().Err(err).Str("asset", pos.Asset).Msg("Failed to drop closed position from cache")
	}

	m.logger.Info().
		Str("asset", pos.Asset).
		Str("side", string(pos.Side)).
		Float64("quantity", pos.Quantity).
		Str("order_id", orderID).
		Msg("Position closed")

	o := m.outcome(pos.Asset, OutcomeClosed, "")
	o.Side = pos.Side
	o.Quantity = pos.Quantity
	o.OrderID = orderID
	return o
}

// vanished handles a close rejected because the position was gone, e.g. the
// stop-loss filled after reconciliation
func (m *Manager) vanished(ctx context.Context, pos Position, cause error) OrderOutcome {
	current, err := m.Reconcile(ctx, pos.Asset)
	if err != nil {
		return m.failed(pos.Asset, err)
	}
	if current != nil {
		return m.failed(pos.Asset, fmt.Errorf("%w: close %s rejected with %s still open: %v", ErrOrderFailed, pos.Asset, current.Side, cause))
	}
	m.logger.Warn().
		Str("asset", pos.Asset).
		Str("side", string(pos.Side)).
		Float64("quantity", pos.Quantity).
		Msg("Position already flat at close")
	return m.outcome(pos.Asset, OutcomeNoPosition, "position closed before the close order")
}

// configure sets margin type and leverage ahead of an order
func (m *Manager) configure(ctx context.Context, asset string) error {
	if err := m.exchange.SetMarginType(ctx, asset, m.cfg.MarginType); err != nil && !errors.Is(err, ErrMarginAlreadySet) {
		return fmt.Errorf("%w: %s %s: %v", ErrMarginConfig, asset, m.cfg.MarginType, err)
	}
	if err := m.exchange.SetLeverage(ctx, asset, m.cfg.Leverage); err != nil {
		return fmt.Errorf("%w: %s leverage %d: %v", ErrMarginConfig, asset, m.cfg.Leverage, err)
	}
	return nil
}

// protect places the stop-loss for a fresh position. Failure leaves the
// position open and is only logged.
func (m *Manager) protect(ctx context.Context, pos Position) string {
	po, ok := m.exchange.(ProtectiveOrders)
	if !ok || m.cfg.StopLossPct <= 0 {
		return ""
	}
	stop := StopPrice(pos.Side, pos.EntryPrice, m.cfg.StopLossPct, pos.Leverage)
	id, err := po.PlaceStopLoss(ctx, pos.Asset, pos.Side.CloseOrderSide(), stop)
	if err != nil {
		m.logger.Error().Err(err).Str("asset", pos.Asset).Float64("stop_price", stop).Msg("Failed to place stop loss")
		return ""
	}
	return id
}

// StopPrice puts the stop stopLossPct percent of margin away from entry
func StopPrice(side Side, entry, stopLossPct float64, leverage int) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	move := stopLossPct / 100 / float64(leverage)
	if side == SideShort {
		return entry * (1 + move)
	}
	return entry * (1 - move)
}

func (m *Manager) outcome(asset string, kind OutcomeKind, reason string) OrderOutcome {
	return OrderOutcome{Asset: asset, Kind: kind, Reason: reason, At: m.now().UTC()}
}

func (m *Manager) failed(asset string, err error) OrderOutcome {
	m.logger.Error().Err(err).Str("asset", asset).Msg("Order attempt failed")
	o := m.outcome(asset, OutcomeFailed, err.Error())
	o.Err = err
	return o
}
