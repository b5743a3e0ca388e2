package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizerConfig allocates a share of the capital per asset tier
type SizerConfig struct {
	TotalCapital      float64
	Leverage          int
	TierAllocation    map[int]float64
	AssetTiers        map[string]int
	DefaultTier       int
	QuantityPrecision map[string]int
	DefaultPrecision  int
}

// DefaultTierAllocation gives tier 1 a quarter of the capital and halves it per tier
var DefaultTierAllocation = map[int]float64{1: 0.25, 2: 0.125, 3: 0.0625}

// Sizer turns capital allocation into an exchange quantity
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a sizer
func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.TotalCapital <= 0 {
		cfg.TotalCapital = 2000
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if len(cfg.TierAllocation) == 0 {
		cfg.TierAllocation = DefaultTierAllocation
	}
	if cfg.DefaultTier <= 0 {
		cfg.DefaultTier = 3
	}
	if cfg.DefaultPrecision < 0 {
		cfg.DefaultPrecision = 0
	}
	return &Sizer{cfg: cfg}
}

// Tier returns the configured tier of asset
func (s *Sizer) Tier(asset string) int {
	if t, ok := s.cfg.AssetTiers[asset]; ok {
		return t
	}
	return s.cfg.DefaultTier
}

// Notional returns the leveraged position value for asset
func (s *Sizer) Notional(asset string) decimal.Decimal {
	frac := s.cfg.TierAllocation[s.Tier(asset)]
	return decimal.NewFromFloat(s.cfg.TotalCapital).
		Mul(decimal.NewFromFloat(frac)).
		Mul(decimal.NewFromInt(int64(s.cfg.Leverage)))
}

// Quantity sizes an order at price, truncated to the asset's precision
func (s *Sizer) Quantity(asset string, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %v for %s", price, asset)
	}
	notional := s.Notional(asset)
	if notional.Sign() <= 0 {
		return 0, fmt.Errorf("no capital allocated to %s (tier %d)", asset, s.Tier(asset))
	}

	precision := s.cfg.DefaultPrecision
	if p, ok := s.cfg.QuantityPrecision[asset]; ok {
		precision = p
	}
	qty := notional.Div(decimal.NewFromFloat(price)).Truncate(int32(precision))
	if qty.Sign() <= 0 {
		return 0, fmt.Errorf("%s quantity rounds to zero at price %v", asset, price)
	}
	f, _ := qty.Float64()
	return f, nil
}
