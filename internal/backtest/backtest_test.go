package backtest

import (
	"math"
	"testing"
	"time"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

const epsilon = 1e-12

func barsFromCloses(closes []float64) []marketdata.PriceBar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]marketdata.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.PriceBar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
		}
	}
	return bars
}

func zigzag(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 15*math.Sin(float64(i)/4) + float64(i%3)
	}
	return closes
}

func newTestBacktester(t *testing.T, model FeeModel) *Backtester {
	t.Helper()
	b, err := NewBacktester(indicator.NewEngine(indicator.MATypeSMA), Config{
		Timeframe:          marketdata.TF1d,
		FeeModel:           model,
		TradingDaysPerYear: 252,
	})
	if err != nil {
		t.Fatalf("NewBacktester failed: %v", err)
	}
	return b
}

func TestEvaluate_ZeroFeeNetEqualsGross(t *testing.T) {
	b := newTestBacktester(t, FeePerFlip)
	result := b.Evaluate(barsFromCloses(zigzag(120)), 5, 0)

	if result.NumTrades == 0 {
		t.Fatal("Expected the zigzag series to produce trades")
	}
	if result.NetReturn != result.GrossReturn {
		t.Errorf("Expected net == gross with zero fee, got %v vs %v", result.NetReturn, result.GrossReturn)
	}
	if result.CostTotal != 0 {
		t.Errorf("Expected zero cost, got %v", result.CostTotal)
	}
}

func TestEvaluate_NoCrossHasNoTradesAndZeroSharpe(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 250
	}
	result := newTestBacktester(t, FeePerFlip).Evaluate(barsFromCloses(closes), 10, 0.0005)

	if result.NumTrades != 0 {
		t.Errorf("Expected 0 trades, got %d", result.NumTrades)
	}
	if result.Sharpe != 0 {
		t.Errorf("Expected sharpe 0, got %v", result.Sharpe)
	}
	if result.Accuracy != 0 {
		t.Errorf("Expected accuracy 0 without flips, got %v", result.Accuracy)
	}
}

func TestReplay_TwentyFlipsCostOnePercent(t *testing.T) {
	closes := make([]float64, 90)
	trends := make([]indicator.Trend, 90)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
		segment := i / 4
		if segment > 20 {
			segment = 20
		}
		trends[i] = indicator.TrendGreen
		if segment%2 == 1 {
			trends[i] = indicator.TrendRed
		}
	}

	result := newTestBacktester(t, FeePerFlip).replay(barsFromCloses(closes), trends, 0.0005)

	if result.NumTrades != 20 {
		t.Fatalf("Expected 20 trades, got %d", result.NumTrades)
	}
	if math.Abs(result.CostTotal-0.01) > epsilon {
		t.Errorf("Expected cost 0.01, got %v", result.CostTotal)
	}
	if math.Abs(result.NetReturn-(result.GrossReturn-0.01)) > epsilon {
		t.Errorf("Expected net = gross - 0.01, got net %v gross %v", result.NetReturn, result.GrossReturn)
	}

	roundTrip := newTestBacktester(t, FeeRoundTrip).replay(barsFromCloses(closes), trends, 0.0005)
	if math.Abs(roundTrip.CostTotal-0.02) > epsilon {
		t.Errorf("Expected round trip cost 0.02, got %v", roundTrip.CostTotal)
	}
}

func TestReplay_ReturnsAndAccuracy(t *testing.T) {
	g, r := indicator.TrendGreen, indicator.TrendRed
	closes := []float64{100, 101, 102, 101, 100, 101}
	trends := []indicator.Trend{g, g, g, r, r, g}

	result := newTestBacktester(t, FeePerFlip).replay(barsFromCloses(closes), trends, 0.001)

	if result.NumTrades != 2 {
		t.Errorf("Expected 2 trades, got %d", result.NumTrades)
	}
	// the last flip has no next bar; the RED flip at index 3 is followed by a fall
	if result.Accuracy != 1 {
		t.Errorf("Expected accuracy 1, got %v", result.Accuracy)
	}

	want := (1+(101.0/100-1))*(1+(102.0/101-1))*(1+(101.0/102-1))*(1-(100.0/101-1))*(1-(101.0/100-1)) - 1
	if math.Abs(result.GrossReturn-want) > epsilon {
		t.Errorf("Expected gross %v, got %v", want, result.GrossReturn)
	}
	if math.Abs(result.CostTotal-0.002) > epsilon {
		t.Errorf("Expected cost 0.002, got %v", result.CostTotal)
	}
	if math.Abs(result.BuyAndHoldReturn-0.01) > epsilon {
		t.Errorf("Expected buy and hold 0.01, got %v", result.BuyAndHoldReturn)
	}
}

func TestReplay_UndefinedPrefixExcluded(t *testing.T) {
	u, g := indicator.TrendUndefined, indicator.TrendGreen
	closes := []float64{100, 200, 50, 55}
	trends := []indicator.Trend{u, u, g, g}

	result := newTestBacktester(t, FeePerFlip).replay(barsFromCloses(closes), trends, 0.01)

	if result.NumTrades != 0 {
		t.Errorf("Expected the first definition not to count as a trade, got %d", result.NumTrades)
	}
	if math.Abs(result.GrossReturn-0.1) > epsilon {
		t.Errorf("Expected only the defined-trend bar to count (0.1), got %v", result.GrossReturn)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	b := newTestBacktester(t, FeePerFlip)
	bars := barsFromCloses(zigzag(200))

	first := b.Evaluate(bars, 7, 0.0005)
	second := b.Evaluate(bars, 7, 0.0005)
	if math.Float64bits(first.Sharpe) != math.Float64bits(second.Sharpe) ||
		math.Float64bits(first.NetReturn) != math.Float64bits(second.NetReturn) ||
		math.Float64bits(first.Volatility) != math.Float64bits(second.Volatility) {
		t.Errorf("Expected bit-identical results, got %+v and %+v", first, second)
	}
}

func TestVolatilityAnnualization(t *testing.T) {
	returns := []float64{0.01, -0.01, 0.02, -0.02}
	std := sampleStd(returns)

	daily := newTestBacktester(t, FeePerFlip)
	hourly, err := NewBacktester(indicator.NewEngine(indicator.MATypeSMA), Config{Timeframe: marketdata.TF1h})
	if err != nil {
		t.Fatalf("NewBacktester failed: %v", err)
	}

	if math.Abs(daily.periodsPerYear-252) > epsilon {
		t.Errorf("Expected 252 daily periods, got %v", daily.periodsPerYear)
	}
	if math.Abs(hourly.periodsPerYear-252*24) > epsilon {
		t.Errorf("Expected %v hourly periods, got %v", 252*24, hourly.periodsPerYear)
	}
	// mean 0, squares sum to 0.001 over n-1 = 3
	if math.Abs(std-math.Sqrt(0.001/3)) > epsilon {
		t.Errorf("Expected sample std %v, got %v", math.Sqrt(0.001/3), std)
	}
}

func TestMaxDrawdown(t *testing.T) {
	got := maxDrawdown([]float64{0.1, -0.5, 0.2})
	if math.Abs(got-0.5) > epsilon {
		t.Errorf("Expected drawdown 0.5, got %v", got)
	}
}

func TestParseFeeModel(t *testing.T) {
	tests := []struct {
		in      string
		want    FeeModel
		wantErr bool
	}{
		{"", FeePerFlip, false},
		{"per_flip", FeePerFlip, false},
		{"ROUND_TRIP", FeeRoundTrip, false},
		{"maker", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFeeModel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFeeModel(%q): expected %q (err=%v), got %q (%v)", tt.in, tt.want, tt.wantErr, got, err)
		}
	}
}

func TestNewBacktester_UnknownTimeframe(t *testing.T) {
	if _, err := NewBacktester(indicator.NewEngine(indicator.MATypeSMA), Config{Timeframe: "7m"}); err == nil {
		t.Error("Expected error for unknown timeframe")
	}
}
