// Package backtest replays HiLo trend series against a fee schedule.
package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

// FeeModel decides how many fee charges a detected flip costs
type FeeModel string

const (
	// FeePerFlip charges fee_rate once per flip
	FeePerFlip FeeModel = "per_flip"
	// FeeRoundTrip charges fee_rate for the exit and again for the entry
	FeeRoundTrip FeeModel = "round_trip"
)

// ParseFeeModel accepts the configuration spelling. Empty means per_flip.
func ParseFeeModel(s string) (FeeModel, error) {
	switch FeeModel(strings.ToLower(strings.TrimSpace(s))) {
	case "", FeePerFlip:
		return FeePerFlip, nil
	case FeeRoundTrip:
		return FeeRoundTrip, nil
	default:
		return "", fmt.Errorf("unknown fee model %q", s)
	}
}

func (m FeeModel) chargesPerFlip() float64 {
	if m == FeeRoundTrip {
		return 2
	}
	return 1
}

// Config holds backtest configuration
type Config struct {
	Timeframe          marketdata.Timeframe
	FeeModel           FeeModel
	TradingDaysPerYear float64
}

// Result holds the metrics of one (period, series) replay
type Result struct {
	Period           int       `json:"period"`
	NumTrades        int       `json:"num_trades"`
	GrossReturn      float64   `json:"gross_return"`
	CostTotal        float64   `json:"cost_total"`
	NetReturn        float64   `json:"net_return"`
	Accuracy         float64   `json:"accuracy"`
	Volatility       float64   `json:"volatility"`
	Sharpe           float64   `json:"sharpe"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	BuyAndHoldReturn float64   `json:"buy_and_hold_return"`
	Bars             int       `json:"bars"`
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
}

// Backtester evaluates a lookback period against historical bars
type Backtester struct {
	engine         *indicator.Engine
	timeframe      marketdata.Timeframe
	feeModel       FeeModel
	periodsPerYear float64
}

// NewBacktester creates a backtester for bars of cfg.Timeframe
func NewBacktester(engine *indicator.Engine, cfg Config) (*Backtester, error) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = marketdata.TF1d
	}
	if cfg.TradingDaysPerYear <= 0 {
		cfg.TradingDaysPerYear = 252
	}
	feeModel, err := ParseFeeModel(string(cfg.FeeModel))
	if err != nil {
		return nil, err
	}
	ppy, err := cfg.Timeframe.PeriodsPerYear(cfg.TradingDaysPerYear)
	if err != nil {
		return nil, err
	}
	return &Backtester{
		engine:         engine,
		timeframe:      cfg.Timeframe,
		feeModel:       feeModel,
		periodsPerYear: ppy,
	}, nil
}

// Timeframe returns the bar resolution this backtester annualizes for
func (b *Backtester) Timeframe() marketdata.Timeframe { return b.timeframe }

// FeeModel returns the configured fee model
func (b *Backtester) FeeModel() FeeModel { return b.feeModel }

// Evaluate runs the indicator with period and replays its trend series
func (b *Backtester) Evaluate(bars []marketdata.PriceBar, period int, feeRate float64) Result {
	states := b.engine.Compute(bars, period)
	result := b.replay(bars, indicator.Trends(states), feeRate)
	result.Period = period
	return result
}

// replay computes every metric from a trend series aligned with bars
func (b *Backtester) replay(bars []marketdata.PriceBar, trends []indicator.Trend, feeRate float64) Result {
	result := Result{Bars: len(bars)}
	if len(bars) == 0 {
		return result
	}
	result.From = bars[0].Timestamp
	result.To = bars[len(bars)-1].Timestamp
	if first := bars[0].Close; first != 0 {
		result.BuyAndHoldReturn = bars[len(bars)-1].Close/first - 1
	}

	flips := flipIndexes(trends)
	result.NumTrades = len(flips)

	returns := strategyReturns(bars, trends)
	result.GrossReturn = compound(returns)
	result.CostTotal = float64(result.NumTrades) * feeRate * b.feeModel.chargesPerFlip()
	result.NetReturn = result.GrossReturn - result.CostTotal
	result.Accuracy = flipAccuracy(bars, trends, flips)
	result.MaxDrawdown = maxDrawdown(returns)

	result.Volatility = sampleStd(returns) * math.Sqrt(b.periodsPerYear)
	if result.Volatility > 0 {
		annualized := result.NetReturn * b.periodsPerYear / float64(len(returns))
		result.Sharpe = annualized / result.Volatility
	}
	return result
}

// flipIndexes returns the indexes where the trend differs from the
// previous defined trend
func flipIndexes(trends []indicator.Trend) []int {
	var flips []int
	prev := indicator.TrendUndefined
	for i, t := range trends {
		if !t.Defined() {
			continue
		}
		if prev.Defined() && t != prev {
			flips = append(flips, i)
		}
		prev = t
	}
	return flips
}

// strategyReturns holds the position of bar i-1 over bar i
func strategyReturns(bars []marketdata.PriceBar, trends []indicator.Trend) []float64 {
	returns := make([]float64, 0, len(bars))
	for i := 1; i < len(bars) && i < len(trends); i++ {
		if !trends[i-1].Defined() || bars[i-1].Close == 0 {
			continue
		}
		change := bars[i].Close/bars[i-1].Close - 1
		returns = append(returns, change*trends[i-1].Direction())
	}
	return returns
}

func flipAccuracy(bars []marketdata.PriceBar, trends []indicator.Trend, flips []int) float64 {
	evaluable, correct := 0, 0
	for _, i := range flips {
		if i+1 >= len(bars) || bars[i].Close == 0 {
			continue
		}
		evaluable++
		next := bars[i+1].Close/bars[i].Close - 1
		if next*trends[i].Direction() > 0 {
			correct++
		}
	}
	if evaluable == 0 {
		return 0
	}
	return float64(correct) / float64(evaluable)
}
