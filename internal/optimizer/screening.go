package optimizer

import (
	"context"

	"hilo-trend-engine/internal/marketdata"
)

// ScreenCriteria are the admission thresholds for a candidate asset
type ScreenCriteria struct {
	MinBars     int
	MinAccuracy float64
	MinSharpe   float64
}

// DefaultScreenCriteria requires a year of daily bars and a reliable best period
func DefaultScreenCriteria() ScreenCriteria {
	return ScreenCriteria{MinBars: 252, MinAccuracy: 0.55, MinSharpe: 0.5}
}

// ScreenResult reports whether an asset qualifies for the monitored universe
type ScreenResult struct {
	Asset  string    `json:"asset"`
	Bars   int       `json:"bars"`
	Best   Candidate `json:"best"`
	Passed bool      `json:"passed"`
	Reason string    `json:"reason,omitempty"`
}

// Screen searches the full grid for asset and checks the best candidate
// against the criteria
func (o *Optimizer) Screen(ctx context.Context, asset string, bars []marketdata.PriceBar, criteria ScreenCriteria) (*ScreenResult, error) {
	result := &ScreenResult{Asset: asset, Bars: len(bars)}
	if len(bars) < criteria.MinBars {
		result.Reason = "insufficient history"
		return result, nil
	}

	outcome, err := o.Optimize(ctx, Request{Asset: asset, Bars: bars})
	if err != nil {
		return nil, err
	}
	result.Best = outcome.Best()

	switch {
	case result.Best.Accuracy < criteria.MinAccuracy:
		result.Reason = "accuracy below threshold"
	case result.Best.Sharpe < criteria.MinSharpe:
		result.Reason = "sharpe below threshold"
	default:
		result.Passed = true
	}

	o.logger.Info().
		Str("asset", asset).
		Int("period", result.Best.Period).
		Float64("accuracy", result.Best.Accuracy).
		Float64("sharpe", result.Best.Sharpe).
		Bool("passed", result.Passed).
		Msg("Asset screened")
	return result, nil
}
