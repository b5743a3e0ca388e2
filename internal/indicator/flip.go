package indicator

import (
	"time"

	"hilo-trend-engine/internal/marketdata"
)

// FlipEvent is a change between two consecutive defined trends
type FlipEvent struct {
	Asset                string               `json:"asset"`
	Timeframe            marketdata.Timeframe `json:"timeframe"`
	Timestamp            time.Time            `json:"timestamp"`
	From                 Trend                `json:"from"`
	To                   Trend                `json:"to"`
	CandlesSincePrevious int                  `json:"candles_since_previous"`
	Index                int                  `json:"-"`
}

// Flips lists every trend flip in order. The first time a trend becomes
// defined is not a flip.
func Flips(asset string, tf marketdata.Timeframe, states []State) []FlipEvent {
	var flips []FlipEvent
	prev := TrendUndefined
	anchor := -1

	for i, s := range states {
		if !s.Trend.Defined() {
			continue
		}
		if !prev.Defined() {
			prev = s.Trend
			anchor = i
			continue
		}
		if s.Trend != prev {
			flips = append(flips, FlipEvent{
				Asset:                asset,
				Timeframe:            tf,
				Timestamp:            s.Timestamp,
				From:                 prev,
				To:                   s.Trend,
				CandlesSincePrevious: i - anchor,
				Index:                i,
			})
			prev = s.Trend
			anchor = i
		}
	}
	return flips
}

// LastFlip returns the most recent flip, or nil when the series never flipped
func LastFlip(asset string, tf marketdata.Timeframe, states []State) *FlipEvent {
	flips := Flips(asset, tf, states)
	if len(flips) == 0 {
		return nil
	}
	f := flips[len(flips)-1]
	return &f
}

// LatestTrend returns the trend of the last bar
func LatestTrend(states []State) Trend {
	if len(states) == 0 {
		return TrendUndefined
	}
	return states[len(states)-1].Trend
}

// CandlesSinceFlip counts the trailing bars sharing the latest trend.
// Zero when the latest trend is undefined.
func CandlesSinceFlip(states []State) int {
	latest := LatestTrend(states)
	if !latest.Defined() {
		return 0
	}
	count := 0
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].Trend != latest {
			break
		}
		count++
	}
	return count
}
