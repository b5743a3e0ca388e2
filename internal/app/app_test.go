package app

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/config"
	"hilo-trend-engine/internal/marketdata"
)

const paperConfig = `
engine:
  assets: [btcusdt]
  timeframes: [1d]
  default_period: 14
classifier:
  enabled: false
futures:
  dry_run: true
  paper_balance: 5000
optimizer:
  candidate_periods: [5, 10, 14, 20]
  min_bars: 50
  screen_min_bars: 100
`

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Expected config to load, got %v", err)
	}
	return cfg
}

// dailyBars ends on the most recent closed day
func dailyBars(n int) []marketdata.PriceBar {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	bars := make([]marketdata.PriceBar, n)
	for i := range bars {
		c := 100 + 20*math.Sin(float64(i)/9) + 4*math.Sin(float64(i)/2)
		bars[i] = marketdata.PriceBar{
			Timestamp: end.AddDate(0, 0, i-n),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func newPaperApp(t *testing.T, bars int) *App {
	t.Helper()
	provider := marketdata.NewStaticProvider()
	provider.Set("BTCUSDT", marketdata.TF1d, dailyBars(bars))

	a, err := New(context.Background(), loadConfig(t, paperConfig), zerolog.Nop(), WithMarketData(provider))
	if err != nil {
		t.Fatalf("Expected app to build, got %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNew_PaperModeRunsCycle(t *testing.T) {
	a := newPaperApp(t, 200)

	if a.DB != nil || a.Redis != nil || a.Features != nil {
		t.Error("Expected disabled stores to stay unset")
	}
	if got := a.Controller.Assets(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("Expected assets upper-cased, got %v", got)
	}

	summary, err := a.Controller.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to run, got %v", err)
	}
	if len(summary.Assets) != 1 {
		t.Fatalf("Expected 1 asset in summary, got %d", len(summary.Assets))
	}
	if summary.Assets[0].Error != "" {
		t.Errorf("Expected no asset error, got %s", summary.Assets[0].Error)
	}

	if _, err := a.Positions.Positions(context.Background()); err != nil {
		t.Errorf("Expected paper positions to list, got %v", err)
	}
}

func TestOptimize_ApplyFollowsRecommendation(t *testing.T) {
	a := newPaperApp(t, 400)

	outcome, err := a.Optimize(context.Background(), "btcusdt", true)
	if err != nil {
		t.Fatalf("Expected optimize to succeed, got %v", err)
	}
	if outcome.CurrentPeriod != 14 {
		t.Errorf("Expected current period 14, got %d", outcome.CurrentPeriod)
	}

	want := 14
	if outcome.Recommend {
		want = outcome.RecommendedPeriod
	}
	if got := a.Periods.AssetPeriod("BTCUSDT"); got != want {
		t.Errorf("Expected active period %d, got %d", want, got)
	}
}

func TestOptimizeAsset_DoesNotApply(t *testing.T) {
	a := newPaperApp(t, 400)

	if _, err := a.OptimizeAsset(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Expected optimize to succeed, got %v", err)
	}
	if got := a.Periods.AssetPeriod("BTCUSDT"); got != 14 {
		t.Errorf("Expected period to stay 14, got %d", got)
	}
}

func TestBacktest_DefaultsToActivePeriod(t *testing.T) {
	a := newPaperApp(t, 200)

	tests := []struct {
		name   string
		period int
		want   int
	}{
		{"active period", 0, 14},
		{"explicit period", 20, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Backtest(context.Background(), "BTCUSDT", tt.period)
			if err != nil {
				t.Fatalf("Expected backtest to run, got %v", err)
			}
			if res.Period != tt.want {
				t.Errorf("Expected period %d, got %d", tt.want, res.Period)
			}
			if res.Bars != 200 {
				t.Errorf("Expected 200 bars, got %d", res.Bars)
			}
		})
	}
}

func TestScreen_UnknownAssetHasNoHistory(t *testing.T) {
	a := newPaperApp(t, 200)

	res, err := a.Screen(context.Background(), "dogeusdt")
	if err != nil {
		t.Fatalf("Expected screen to report, got %v", err)
	}
	if res.Passed || res.Bars != 0 {
		t.Errorf("Expected no history to fail screening, got %+v", res)
	}
}

func TestBarsMarket_LatestClose(t *testing.T) {
	provider := marketdata.NewStaticProvider()
	bars := dailyBars(10)
	provider.Set("ETHUSDT", marketdata.TF1d, bars)
	m := &barsMarket{provider: provider, priceTF: marketdata.TF1d}

	price, err := m.GetFuturesCurrentPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Expected price, got %v", err)
	}
	if price != bars[9].Close {
		t.Errorf("Expected %v, got %v", bars[9].Close, price)
	}

	klines, err := m.GetFuturesKlines(context.Background(), "ETHUSDT", "1d", 3)
	if err != nil {
		t.Fatalf("Expected klines, got %v", err)
	}
	if len(klines) != 3 || klines[2].OpenTime != bars[9].Timestamp.UnixMilli() {
		t.Errorf("Expected last 3 klines, got %+v", klines)
	}

	if _, err := m.GetFuturesCurrentPrice(context.Background(), "XRPUSDT"); err == nil {
		t.Error("Expected error for missing series")
	}
}
