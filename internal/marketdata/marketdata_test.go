package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

func dailyBars(n int, start time.Time) []PriceBar {
	bars := make([]PriceBar, n)
	for i := range bars {
		price := 100 + float64(i)
		bars[i] = PriceBar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000,
		}
	}
	return bars
}

func TestValidate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := dailyBars(5, start)
	if err := Validate(bars); err != nil {
		t.Fatalf("Expected valid series, got %v", err)
	}

	bars[3].Timestamp = bars[2].Timestamp
	if err := Validate(bars); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("Expected ErrNonMonotonic, got %v", err)
	}
}

func TestPeriodsPerYear(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		want float64
	}{
		{TF1d, 252},
		{TF12h, 504},
		{TF1h, 252 * 24},
		{TF15m, 252 * 96},
	}

	for _, tt := range tests {
		got, err := tt.tf.PeriodsPerYear(252)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.tf, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %v periods per year, got %v", tt.tf, tt.want, got)
		}
	}

	if _, err := Timeframe("7m").PeriodsPerYear(252); !errors.Is(err, ErrUnknownTimeframe) {
		t.Errorf("Expected ErrUnknownTimeframe, got %v", err)
	}
}

type countingProvider struct {
	calls int
	fail  int
	err   error
	bars  []PriceBar
}

func (p *countingProvider) FetchBars(ctx context.Context, asset string, tf Timeframe, limit int) ([]PriceBar, error) {
	p.calls++
	if p.calls <= p.fail {
		return nil, p.err
	}
	return p.bars, nil
}

func TestRetryingProvider_RetriesTransientErrors(t *testing.T) {
	bars := dailyBars(3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	next := &countingProvider{fail: 2, err: errors.New("connection reset"), bars: bars}
	p := NewRetryingProvider(next, 3, zerolog.Nop())
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	got, err := p.FetchBars(context.Background(), "BTCUSDT", TF1d, 10)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 bars, got %d", len(got))
	}
	if next.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", next.calls)
	}
}

func TestRetryingProvider_EmptySeriesIsDataUnavailable(t *testing.T) {
	next := &countingProvider{}
	p := NewRetryingProvider(next, 3, zerolog.Nop())

	_, err := p.FetchBars(context.Background(), "BTCUSDT", TF1d, 10)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("Expected ErrDataUnavailable, got %v", err)
	}
	if next.calls != 1 {
		t.Errorf("Expected no retry on empty series, got %d calls", next.calls)
	}
}

func TestCachedProvider(t *testing.T) {
	bars := dailyBars(3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	next := &countingProvider{bars: bars}
	p := NewCachedProvider(next)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := p.FetchBars(context.Background(), "ETHUSDT", TF1d, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if next.calls != 1 {
		t.Errorf("Expected 1 upstream call, got %d", next.calls)
	}

	now = now.Add(5 * time.Hour)
	if _, err := p.FetchBars(context.Background(), "ETHUSDT", TF1d, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.calls != 2 {
		t.Errorf("Expected refetch after expiry, got %d calls", next.calls)
	}
}

func TestStaticProvider_Limit(t *testing.T) {
	p := NewStaticProvider()
	p.Set("BTCUSDT", TF1d, dailyBars(10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	got, err := p.FetchBars(context.Background(), "BTCUSDT", TF1d, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 4 || got[0].Close != 106 {
		t.Errorf("Expected the 4 most recent bars, got %d starting at %v", len(got), got[0].Close)
	}

	if _, err := p.FetchBars(context.Background(), "BTCUSDT", TF1h, 4); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable for missing series, got %v", err)
	}
}

func TestStaticProvider_Fail(t *testing.T) {
	p := NewStaticProvider()
	p.Set("BTCUSDT", TF1d, dailyBars(5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	boom := errors.New("boom")
	p.Fail("BTCUSDT", TF1h, boom)

	if _, err := p.FetchBars(context.Background(), "BTCUSDT", TF1h, 5); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if _, err := p.FetchBars(context.Background(), "BTCUSDT", TF1d, 5); err != nil {
		t.Errorf("Expected other timeframe unaffected, got %v", err)
	}
}
