package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

// ErrDataUnavailable is returned when the primary timeframe cannot be read
var ErrDataUnavailable = marketdata.ErrDataUnavailable

// AggregatorConfig selects the monitored timeframes
type AggregatorConfig struct {
	Timeframes []marketdata.Timeframe
	Primary    marketdata.Timeframe
	Fallback   marketdata.Timeframe
	BarLimit   int
}

// TimeframeInput is one fetched series handed to Build
type TimeframeInput struct {
	Timeframe marketdata.Timeframe
	Period    int
	Bars      []marketdata.PriceBar
	Err       error
}

// TimeframeReading is the latest indicator picture for one timeframe
type TimeframeReading struct {
	Timeframe        marketdata.Timeframe `json:"timeframe"`
	Period           int                  `json:"period"`
	Trend            indicator.Trend      `json:"trend"`
	CandlesSinceFlip int                  `json:"candles_since_flip"`
	LastFlip         *indicator.FlipEvent `json:"last_flip,omitempty"`
	LastClose        float64              `json:"last_close"`
	BarTime          time.Time            `json:"bar_time"`
	Bars             int                  `json:"bars"`
	Borrowed         bool                 `json:"borrowed"`
	Err              error                `json:"-"`
}

// Snapshot is the multi-timeframe view of one asset for one cycle
type Snapshot struct {
	Asset       string                 `json:"asset"`
	Timestamp   time.Time              `json:"timestamp"`
	Primary     marketdata.Timeframe   `json:"primary"`
	Readings    []TimeframeReading     `json:"readings"`
	Features    Features               `json:"features"`
	Unavailable []marketdata.Timeframe `json:"unavailable,omitempty"`
}

// Reading returns the reading for tf
func (s *Snapshot) Reading(tf marketdata.Timeframe) (TimeframeReading, bool) {
	for _, r := range s.Readings {
		if r.Timeframe == tf {
			return r, true
		}
	}
	return TimeframeReading{}, false
}

// PrimaryReading returns the reading that drives the gate
func (s *Snapshot) PrimaryReading() TimeframeReading {
	r, _ := s.Reading(s.Primary)
	return r
}

// Secondary returns every reading except the primary one
func (s *Snapshot) Secondary() []TimeframeReading {
	out := make([]TimeframeReading, 0, len(s.Readings))
	for _, r := range s.Readings {
		if r.Timeframe != s.Primary {
			out = append(out, r)
		}
	}
	return out
}

// Aggregator runs the indicator per timeframe and derives consensus features
type Aggregator struct {
	provider marketdata.Provider
	engine   *indicator.Engine
	periods  PeriodSource
	cfg      AggregatorConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator. Primary and fallback default to the daily
// timeframe and are added to the monitored set when missing.
func NewAggregator(provider marketdata.Provider, engine *indicator.Engine, periods PeriodSource, cfg AggregatorConfig, logger zerolog.Logger) *Aggregator {
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = marketdata.DefaultTimeframes
	}
	if cfg.Primary == "" {
		cfg.Primary = marketdata.TF1d
	}
	if cfg.Fallback == "" {
		cfg.Fallback = marketdata.TF1d
	}
	if cfg.BarLimit <= 0 {
		cfg.BarLimit = 500
	}
	cfg.Timeframes = ensureTimeframe(cfg.Timeframes, cfg.Primary)
	cfg.Timeframes = ensureTimeframe(cfg.Timeframes, cfg.Fallback)

	return &Aggregator{
		provider: provider,
		engine:   engine,
		periods:  periods,
		cfg:      cfg,
		logger:   logger.With().Str("component", "Aggregator").Logger(),
		now:      time.Now,
	}
}

func ensureTimeframe(tfs []marketdata.Timeframe, tf marketdata.Timeframe) []marketdata.Timeframe {
	for _, t := range tfs {
		if t == tf {
			return tfs
		}
	}
	out := make([]marketdata.Timeframe, 0, len(tfs)+1)
	out = append(out, tfs...)
	return append(out, tf)
}

// Timeframes returns the monitored timeframes in feature order
func (a *Aggregator) Timeframes() []marketdata.Timeframe {
	return append([]marketdata.Timeframe(nil), a.cfg.Timeframes...)
}

// Primary returns the timeframe that arms the gate
func (a *Aggregator) Primary() marketdata.Timeframe { return a.cfg.Primary }

// FeatureNames returns the classifier input contract
func (a *Aggregator) FeatureNames() []string { return FeatureNames(a.cfg.Timeframes) }

// Aggregate fetches every timeframe in parallel and builds the snapshot.
// A failed secondary timeframe is isolated; a failed primary timeframe fails the asset.
func (a *Aggregator) Aggregate(ctx context.Context, asset string) (*Snapshot, error) {
	inputs := make([]TimeframeInput, len(a.cfg.Timeframes))

	var wg sync.WaitGroup
	for i, tf := range a.cfg.Timeframes {
		wg.Add(1)
		go func(i int, tf marketdata.Timeframe) {
			defer wg.Done()

			in := TimeframeInput{Timeframe: tf, Period: a.periods.PeriodFor(asset, tf)}
			bars, err := a.provider.FetchBars(ctx, asset, tf, a.cfg.BarLimit)
			if err != nil {
				in.Err = err
			} else {
				in.Bars = dropUnclosed(bars, tf, a.now())
			}
			inputs[i] = in
		}(i, tf)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", asset, err)
	}

	snap := a.Build(asset, inputs)
	for _, tf := range snap.Unavailable {
		r, _ := snap.Reading(tf)
		a.logger.Warn().
			Err(r.Err).
			Str("asset", asset).
			Str("timeframe", string(tf)).
			Bool("borrowed", r.Borrowed).
			Msg("Timeframe unavailable")
	}

	primary := snap.PrimaryReading()
	if primary.Err != nil {
		return snap, fmt.Errorf("%w: %s primary timeframe %s: %v", ErrDataUnavailable, asset, a.cfg.Primary, primary.Err)
	}
	return snap, nil
}

// Build derives the snapshot from already fetched inputs without any I/O
func (a *Aggregator) Build(asset string, inputs []TimeframeInput) *Snapshot {
	byTF := make(map[marketdata.Timeframe]TimeframeInput, len(inputs))
	for _, in := range inputs {
		byTF[in.Timeframe] = in
	}

	snap := &Snapshot{
		Asset:    asset,
		Primary:  a.cfg.Primary,
		Readings: make([]TimeframeReading, 0, len(a.cfg.Timeframes)),
	}

	readings := make(map[marketdata.Timeframe]TimeframeReading, len(a.cfg.Timeframes))
	for _, tf := range a.cfg.Timeframes {
		in, ok := byTF[tf]
		if !ok {
			in = TimeframeInput{Timeframe: tf, Err: fmt.Errorf("%w: %s %s not fetched", ErrDataUnavailable, asset, tf)}
		}
		readings[tf] = a.read(asset, in)
	}

	fallback := readings[a.cfg.Fallback]
	for _, tf := range a.cfg.Timeframes {
		r := readings[tf]
		if r.Err != nil {
			snap.Unavailable = append(snap.Unavailable, tf)
			if tf != a.cfg.Fallback && fallback.Err == nil {
				r.Trend = fallback.Trend
				r.CandlesSinceFlip = fallback.CandlesSinceFlip
				r.Borrowed = true
			}
		}
		if r.BarTime.After(snap.Timestamp) {
			snap.Timestamp = r.BarTime
		}
		snap.Readings = append(snap.Readings, r)
	}

	snap.Features = buildFeatures(snap.Readings)
	return snap
}

func (a *Aggregator) read(asset string, in TimeframeInput) TimeframeReading {
	r := TimeframeReading{Timeframe: in.Timeframe, Period: in.Period}
	if in.Err != nil {
		r.Err = in.Err
		return r
	}
	if len(in.Bars) == 0 {
		r.Err = fmt.Errorf("%w: %s %s has no closed bars", ErrDataUnavailable, asset, in.Timeframe)
		return r
	}

	states := a.engine.Compute(in.Bars, in.Period)
	last := in.Bars[len(in.Bars)-1]
	r.Bars = len(in.Bars)
	r.LastClose = last.Close
	r.BarTime = last.Timestamp
	r.Trend = indicator.LatestTrend(states)
	r.CandlesSinceFlip = indicator.CandlesSinceFlip(states)
	r.LastFlip = indicator.LastFlip(asset, in.Timeframe, states)
	return r
}

// dropUnclosed removes bars whose close time lies in the future
func dropUnclosed(bars []marketdata.PriceBar, tf marketdata.Timeframe, now time.Time) []marketdata.PriceBar {
	d, err := tf.Duration()
	if err != nil {
		return bars
	}
	n := len(bars)
	for n > 0 && bars[n-1].Timestamp.Add(d).After(now) {
		n--
	}
	return bars[:n]
}
