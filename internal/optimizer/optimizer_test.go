package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/backtest"
	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

func testBars(closes []float64) []marketdata.PriceBar {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]marketdata.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.PriceBar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
		}
	}
	return bars
}

func wave(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 20*math.Sin(float64(i)/9) + 4*math.Sin(float64(i)/2)
	}
	return closes
}

func flat(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 50
	}
	return closes
}

func newTestOptimizer(t *testing.T, hints HintSource, cfg Config) *Optimizer {
	t.Helper()
	bt, err := backtest.NewBacktester(indicator.NewEngine(indicator.MATypeSMA), backtest.Config{Timeframe: marketdata.TF1d})
	if err != nil {
		t.Fatalf("NewBacktester failed: %v", err)
	}
	return New(bt, hints, cfg, zerolog.Nop())
}

func TestScore_NormalizesAndClamps(t *testing.T) {
	o := newTestOptimizer(t, nil, DefaultConfig())

	tests := []struct {
		name   string
		result backtest.Result
		want   float64
	}{
		{"at scale", backtest.Result{Accuracy: 0.70, Sharpe: 1.5, NetReturn: 0.20}, 100},
		{"above scale", backtest.Result{Accuracy: 1, Sharpe: 9, NetReturn: 3}, 100},
		{"negative", backtest.Result{Accuracy: 0, Sharpe: -2, NetReturn: -0.5}, 0},
		{"half accuracy only", backtest.Result{Accuracy: 0.35}, 20},
	}
	for _, tt := range tests {
		if got := o.Score(tt.result); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: expected score %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestOptimize_NeverWorseThanCurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinImprovementPct = 0
	o := newTestOptimizer(t, nil, cfg)

	for _, current := range []int{3, 12, 21, 60} {
		outcome, err := o.Optimize(context.Background(), Request{Asset: "BTCUSDT", Bars: testBars(wave(400)), CurrentPeriod: current})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.BestScore < outcome.CurrentScore {
			t.Errorf("current %d: best score %v below current score %v", current, outcome.BestScore, outcome.CurrentScore)
		}
		var recommended *Candidate
		for i := range outcome.Ranked {
			if outcome.Ranked[i].Period == outcome.RecommendedPeriod {
				recommended = &outcome.Ranked[i]
			}
		}
		if recommended == nil || recommended.Score < outcome.CurrentScore {
			t.Errorf("current %d: recommended period %d scores below current", current, outcome.RecommendedPeriod)
		}
	}
}

func TestOptimize_CurrentPeriodAlwaysEvaluated(t *testing.T) {
	o := newTestOptimizer(t, nil, DefaultConfig())
	outcome, err := o.Optimize(context.Background(), Request{Asset: "ETHUSDT", Bars: testBars(wave(300)), CurrentPeriod: 21})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range outcome.Ranked {
		if c.Period == 21 {
			found = true
		}
	}
	if !found {
		t.Error("Expected off-grid current period 21 to be evaluated")
	}
	if len(outcome.Ranked) != len(DefaultCandidatePeriods)+1 {
		t.Errorf("Expected %d candidates, got %d", len(DefaultCandidatePeriods)+1, len(outcome.Ranked))
	}
}

func TestOptimize_TiesPreferCurrentThenSmaller(t *testing.T) {
	o := newTestOptimizer(t, nil, DefaultConfig())
	bars := testBars(flat(200))

	outcome, err := o.Optimize(context.Background(), Request{Asset: "XRPUSDT", Bars: bars, CurrentPeriod: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.BestPeriod != 20 || outcome.Recommend {
		t.Errorf("Expected tie to keep period 20 without recommendation, got %d (recommend=%v)", outcome.BestPeriod, outcome.Recommend)
	}
	if outcome.Ranked[1].Period != 18 || outcome.Ranked[2].Period != 22 {
		t.Errorf("Expected 18 then 22 after the current period, got %d, %d", outcome.Ranked[1].Period, outcome.Ranked[2].Period)
	}

	outcome, err = o.Optimize(context.Background(), Request{Asset: "XRPUSDT", Bars: bars})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.BestPeriod != 3 {
		t.Errorf("Expected smallest period without a current one, got %d", outcome.BestPeriod)
	}
}

func TestOptimize_ImprovementThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinImprovementPct = 1e9
	o := newTestOptimizer(t, nil, cfg)

	outcome, err := o.Optimize(context.Background(), Request{Asset: "BTCUSDT", Bars: testBars(wave(400)), CurrentPeriod: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Recommend || outcome.RecommendedPeriod != 60 {
		t.Errorf("Expected no recommendation under a huge threshold, got recommend=%v period=%d", outcome.Recommend, outcome.RecommendedPeriod)
	}
}

type failingHints struct{}

func (failingHints) Hints(ctx context.Context, asset string) ([]int, error) {
	return nil, errors.New("predictor offline")
}

func TestOptimize_Hints(t *testing.T) {
	bars := testBars(wave(300))

	o := newTestOptimizer(t, StaticHints{"BTCUSDT": {5, 7}}, DefaultConfig())
	outcome, err := o.Optimize(context.Background(), Request{Asset: "BTCUSDT", Bars: bars, CurrentPeriod: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.HintsUsed || len(outcome.Ranked) != 3 {
		t.Errorf("Expected hints to narrow to 3 candidates, got %d (hints used=%v)", len(outcome.Ranked), outcome.HintsUsed)
	}

	o = newTestOptimizer(t, failingHints{}, DefaultConfig())
	outcome, err = o.Optimize(context.Background(), Request{Asset: "BTCUSDT", Bars: bars, CurrentPeriod: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.HintsUsed || len(outcome.Ranked) != len(DefaultCandidatePeriods) {
		t.Errorf("Expected full grid when hints fail, got %d candidates", len(outcome.Ranked))
	}
}

func TestOptimize_InsufficientData(t *testing.T) {
	o := newTestOptimizer(t, nil, DefaultConfig())
	_, err := o.Optimize(context.Background(), Request{Asset: "BTCUSDT", Bars: testBars(wave(20))})
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestChainHints(t *testing.T) {
	chain := ChainHints{failingHints{}, StaticHints{"ETHUSDT": {10}}}
	periods, err := chain.Hints(context.Background(), "ETHUSDT")
	if err != nil || len(periods) != 1 || periods[0] != 10 {
		t.Errorf("Expected [10], got %v (%v)", periods, err)
	}
	if _, err := chain.Hints(context.Background(), "SOLUSDT"); err == nil {
		t.Error("Expected error when no source has hints")
	}
}

func TestScreen(t *testing.T) {
	o := newTestOptimizer(t, nil, DefaultConfig())

	short, err := o.Screen(context.Background(), "NEWUSDT", testBars(wave(120)), DefaultScreenCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if short.Passed || short.Reason != "insufficient history" {
		t.Errorf("Expected insufficient history, got passed=%v reason=%q", short.Passed, short.Reason)
	}

	dead, err := o.Screen(context.Background(), "FLATUSDT", testBars(flat(300)), DefaultScreenCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dead.Passed {
		t.Error("Expected a flat series to fail screening")
	}
}
