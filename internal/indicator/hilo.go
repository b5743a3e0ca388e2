// Package indicator implements the Gann HiLo Activator trend state machine.
package indicator

import (
	"math"
	"time"

	"hilo-trend-engine/internal/marketdata"
)

// RawState is the per-bar band cross result
type RawState int8

const (
	Neutral RawState = 0
	Bullish RawState = 1
	Bearish RawState = -1
)

func (s RawState) String() string {
	switch s {
	case Bullish:
		return "BULLISH"
	case Bearish:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

// Trend is the forward-filled raw state. TrendUndefined until the first cross.
type Trend int8

const (
	TrendUndefined Trend = 0
	TrendGreen     Trend = 1
	TrendRed       Trend = -1
)

func (t Trend) String() string {
	switch t {
	case TrendGreen:
		return "GREEN"
	case TrendRed:
		return "RED"
	default:
		return "UNDEFINED"
	}
}

// Defined reports whether the trend has been established
func (t Trend) Defined() bool { return t != TrendUndefined }

// Direction is +1 for GREEN, -1 for RED, 0 when undefined
func (t Trend) Direction() float64 { return float64(t) }

// Opposite returns the other defined trend
func (t Trend) Opposite() Trend { return -t }

// MarshalText encodes the trend by name
func (t Trend) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// State is the indicator output for one bar
type State struct {
	Timestamp time.Time
	HighMA    float64 // NaN while the window is not full
	LowMA     float64
	Raw       RawState
	Trend     Trend
	Activator float64 // NaN until the first post-warm-up bar
}

// Engine computes HiLo states for a price series
type Engine struct {
	maType MAType
}

// NewEngine creates an engine smoothing the bands with maType
func NewEngine(maType MAType) *Engine {
	if maType != MATypeEMA {
		maType = MATypeSMA
	}
	return &Engine{maType: maType}
}

// MAType returns the configured band smoothing
func (e *Engine) MAType() MAType { return e.maType }

// Compute returns one State per bar. Fewer than two bars yields an empty
// slice; a period that does not fit the series yields all-undefined states.
func (e *Engine) Compute(bars []marketdata.PriceBar, period int) []State {
	if len(bars) < 2 {
		return []State{}
	}

	states := make([]State, len(bars))
	for i, b := range bars {
		states[i] = State{
			Timestamp: b.Timestamp,
			HighMA:    math.NaN(),
			LowMA:     math.NaN(),
			Activator: math.NaN(),
		}
	}
	if period < 1 || period >= len(bars) {
		return states
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
	}
	hima := movingAverage(e.maType, highs, period)
	loma := movingAverage(e.maType, lows, period)
	for i := range states {
		states[i].HighMA = hima[i]
		states[i].LowMA = loma[i]
	}

	trend := TrendUndefined
	activator := math.NaN()
	for i := period; i < len(bars); i++ {
		prevHigh, prevLow := hima[i-1], loma[i-1]
		last := bars[i].Close

		// Bands from the previous bar only; the current bar's own high/low
		// must not influence its state.
		switch {
		case last > prevHigh:
			states[i].Raw = Bullish
			activator = prevLow
			trend = TrendGreen
		case last < prevLow:
			states[i].Raw = Bearish
			activator = prevHigh
			trend = TrendRed
		default:
			states[i].Raw = Neutral
			if math.IsNaN(activator) {
				activator = prevLow
			}
		}
		states[i].Activator = activator
		states[i].Trend = trend
	}

	return states
}

// Trends extracts the trend column
func Trends(states []State) []Trend {
	out := make([]Trend, len(states))
	for i, s := range states {
		out[i] = s.Trend
	}
	return out
}
