package indicator

import (
	"fmt"
	"math"
	"strings"
)

// MAType selects how the HiLo bands are smoothed
type MAType string

const (
	MATypeSMA MAType = "SMA"
	MATypeEMA MAType = "EMA"
)

// ParseMAType accepts "sma"/"ema" in any case
func ParseMAType(s string) (MAType, error) {
	switch MAType(strings.ToUpper(strings.TrimSpace(s))) {
	case MATypeSMA:
		return MATypeSMA, nil
	case MATypeEMA:
		return MATypeEMA, nil
	default:
		return "", fmt.Errorf("unknown moving average type %q", s)
	}
}

// SMASeries returns the simple moving average at every index.
// Indexes before period-1 are NaN.
func SMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period < 1 || len(values) < period {
		return out
	}

	// Each window is summed from scratch so a value never depends on the
	// series length.
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += values[j]
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMASeries returns the exponential moving average with span=period,
// seeded with the first value and no bias adjustment.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if period < 1 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func movingAverage(maType MAType, values []float64, period int) []float64 {
	if maType == MATypeEMA {
		return EMASeries(values, period)
	}
	return SMASeries(values, period)
}
