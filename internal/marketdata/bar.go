package marketdata

import (
	"errors"
	"fmt"
	"time"
)

// Timeframe is a bar resolution using Binance interval notation
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

// DefaultTimeframes is the monitored set, shortest first
var DefaultTimeframes = []Timeframe{TF15m, TF30m, TF1h, TF6h, TF8h, TF12h, TF1d}

var (
	ErrDataUnavailable  = errors.New("market data unavailable")
	ErrNonMonotonic     = errors.New("bar timestamps are not strictly increasing")
	ErrUnknownTimeframe = errors.New("unknown timeframe")
)

// PriceBar is one closed candle
type PriceBar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Duration returns the wall-clock length of one bar
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case TF15m:
		return 15 * time.Minute, nil
	case TF30m:
		return 30 * time.Minute, nil
	case TF1h:
		return time.Hour, nil
	case TF4h:
		return 4 * time.Hour, nil
	case TF6h:
		return 6 * time.Hour, nil
	case TF8h:
		return 8 * time.Hour, nil
	case TF12h:
		return 12 * time.Hour, nil
	case TF1d:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, string(tf))
	}
}

// PeriodsPerYear converts a trading-days-per-year convention into bars per year.
// Daily bars with 252 trading days give 252.
func (tf Timeframe) PeriodsPerYear(tradingDays float64) (float64, error) {
	d, err := tf.Duration()
	if err != nil {
		return 0, err
	}
	return tradingDays * float64(24*time.Hour) / float64(d), nil
}

// ParseTimeframes validates a list of interval strings
func ParseTimeframes(values []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(values))
	for _, v := range values {
		tf := Timeframe(v)
		if _, err := tf.Duration(); err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// Validate checks that timestamps strictly increase
func Validate(bars []PriceBar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d (%s <= %s)", ErrNonMonotonic, i,
				bars[i].Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
