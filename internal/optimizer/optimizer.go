// Package optimizer selects the HiLo lookback per asset from fee-aware backtests.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hilo-trend-engine/internal/backtest"
	"hilo-trend-engine/internal/marketdata"
)

// DefaultCandidatePeriods is the search grid used when none is configured
var DefaultCandidatePeriods = []int{3, 5, 7, 10, 12, 15, 18, 20, 22, 25, 28, 30, 33, 35, 38, 40, 45, 50, 55, 60}

var ErrInsufficientData = errors.New("insufficient bars for optimization")

// Weights combine the normalized metrics into one score
type Weights struct {
	Accuracy float64 `json:"accuracy" yaml:"accuracy"`
	Sharpe   float64 `json:"sharpe" yaml:"sharpe"`
	Return   float64 `json:"return" yaml:"return"`
}

// Scales are the metric values that normalize to 1
type Scales struct {
	Accuracy float64 `json:"accuracy" yaml:"accuracy"`
	Sharpe   float64 `json:"sharpe" yaml:"sharpe"`
	Return   float64 `json:"return" yaml:"return"`
}

// Config holds optimizer configuration
type Config struct {
	CandidatePeriods  []int
	Weights           Weights
	Scales            Scales
	MinImprovementPct float64
	Parallelism       int
	MinBars           int
	FeeRate           float64
}

// DefaultConfig returns the stock weights and scales
func DefaultConfig() Config {
	return Config{
		CandidatePeriods:  DefaultCandidatePeriods,
		Weights:           Weights{Accuracy: 0.40, Sharpe: 0.30, Return: 0.30},
		Scales:            Scales{Accuracy: 0.70, Sharpe: 1.5, Return: 0.20},
		MinImprovementPct: 5,
		Parallelism:       4,
		MinBars:           100,
		FeeRate:           0.0005,
	}
}

// HintSource narrows the candidate list for an asset
type HintSource interface {
	Hints(ctx context.Context, asset string) ([]int, error)
}

// Request asks for the best period of one asset over bars
type Request struct {
	Asset         string
	Bars          []marketdata.PriceBar
	CurrentPeriod int
	// Candidates overrides the configured grid when set
	Candidates []int
}

// Candidate is one scored backtest
type Candidate struct {
	backtest.Result
	Score  float64 `json:"score"`
	Hinted bool    `json:"hinted"`
}

// Outcome is the ranked search result for one asset
type Outcome struct {
	Asset             string      `json:"asset"`
	CurrentPeriod     int         `json:"current_period"`
	BestPeriod        int         `json:"best_period"`
	RecommendedPeriod int         `json:"recommended_period"`
	CurrentScore      float64     `json:"current_score"`
	BestScore         float64     `json:"best_score"`
	ImprovementPct    float64     `json:"improvement_pct"`
	Recommend         bool        `json:"recommend"`
	HintsUsed         bool        `json:"hints_used"`
	Ranked            []Candidate `json:"ranked"`
	EvaluatedAt       time.Time   `json:"evaluated_at"`
}

// Best returns the top-ranked candidate
func (o *Outcome) Best() Candidate {
	if len(o.Ranked) == 0 {
		return Candidate{}
	}
	return o.Ranked[0]
}

// Optimizer scores candidate periods with the backtester
type Optimizer struct {
	backtester *backtest.Backtester
	hints      HintSource
	cfg        Config
	logger     zerolog.Logger
}

// New creates an optimizer. hints may be nil.
func New(backtester *backtest.Backtester, hints HintSource, cfg Config, logger zerolog.Logger) *Optimizer {
	def := DefaultConfig()
	if len(cfg.CandidatePeriods) == 0 {
		cfg.CandidatePeriods = def.CandidatePeriods
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Scales.Accuracy <= 0 {
		cfg.Scales.Accuracy = def.Scales.Accuracy
	}
	if cfg.Scales.Sharpe <= 0 {
		cfg.Scales.Sharpe = def.Scales.Sharpe
	}
	if cfg.Scales.Return <= 0 {
		cfg.Scales.Return = def.Scales.Return
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	return &Optimizer{
		backtester: backtester,
		hints:      hints,
		cfg:        cfg,
		logger:     logger.With().Str("component", "Optimizer").Logger(),
	}
}

// Config returns the effective configuration
func (o *Optimizer) Config() Config { return o.cfg }

// Score combines the normalized metrics into a 0-100 composite
func (o *Optimizer) Score(r backtest.Result) float64 {
	w, s := o.cfg.Weights, o.cfg.Scales
	score := w.Accuracy*normalize(r.Accuracy, s.Accuracy) +
		w.Sharpe*normalize(r.Sharpe, s.Sharpe) +
		w.Return*normalize(r.NetReturn, s.Return)
	return score * 100
}

func normalize(v, scale float64) float64 {
	if scale <= 0 || math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v/scale))
}

// Optimize evaluates every candidate and ranks them. The current period is
// always part of the evaluated set.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Bars) < o.cfg.MinBars {
		return nil, fmt.Errorf("%w: %s has %d bars, need %d", ErrInsufficientData, req.Asset, len(req.Bars), o.cfg.MinBars)
	}

	periods, hinted := o.candidates(ctx, req)
	candidates := make([]Candidate, len(periods))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for i, p := range periods {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := o.backtester.Evaluate(req.Bars, p, o.cfg.FeeRate)
			candidates[i] = Candidate{Result: result, Score: o.Score(result), Hinted: hinted[p]}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("optimize %s: %w", req.Asset, err)
	}

	rank(candidates, req.CurrentPeriod)

	outcome := &Outcome{
		Asset:         req.Asset,
		CurrentPeriod: req.CurrentPeriod,
		HintsUsed:     len(hinted) > 0,
		Ranked:        candidates,
		EvaluatedAt:   time.Now().UTC(),
	}
	best := candidates[0]
	outcome.BestPeriod = best.Period
	outcome.BestScore = best.Score
	outcome.RecommendedPeriod = req.CurrentPeriod

	for _, c := range candidates {
		if c.Period == req.CurrentPeriod {
			outcome.CurrentScore = c.Score
			break
		}
	}
	outcome.ImprovementPct = improvementPct(outcome.CurrentScore, outcome.BestScore)
	if req.CurrentPeriod <= 0 || (best.Period != req.CurrentPeriod && outcome.ImprovementPct > o.cfg.MinImprovementPct) {
		outcome.Recommend = best.Period != req.CurrentPeriod
		outcome.RecommendedPeriod = best.Period
	}

	o.logger.Info().
		Str("asset", req.Asset).
		Int("current_period", req.CurrentPeriod).
		Int("best_period", outcome.BestPeriod).
		Float64("best_score", outcome.BestScore).
		Float64("improvement_pct", outcome.ImprovementPct).
		Bool("recommend", outcome.Recommend).
		Int("evaluated", len(candidates)).
		Msg("Optimization complete")

	return outcome, nil
}

// candidates returns the periods to evaluate. Hints replace the grid when they
// produce at least one usable period; the current period is always added.
func (o *Optimizer) candidates(ctx context.Context, req Request) ([]int, map[int]bool) {
	grid := req.Candidates
	if len(grid) == 0 {
		grid = o.cfg.CandidatePeriods
	}

	var hinted map[int]bool
	if o.hints != nil {
		periods, err := o.hints.Hints(ctx, req.Asset)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Str("asset", req.Asset).Msg("Period hints unavailable, evaluating full grid")
		default:
			for _, p := range periods {
				if p > 0 && p < len(req.Bars) {
					if hinted == nil {
						hinted = make(map[int]bool)
					}
					hinted[p] = true
				}
			}
		}
	}

	seen := make(map[int]bool)
	var out []int
	add := func(p int) {
		if p > 0 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if len(hinted) > 0 {
		for _, p := range grid {
			if hinted[p] {
				add(p)
			}
		}
		for p := range hinted {
			add(p)
		}
	} else {
		for _, p := range grid {
			add(p)
		}
	}
	add(req.CurrentPeriod)
	sort.Ints(out)
	return out, hinted
}

// rank orders by score, then distance to the current period, then period
func rank(candidates []Candidate, current int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := distance(a.Period, current), distance(b.Period, current)
		if da != db {
			return da < db
		}
		return a.Period < b.Period
	})
}

func distance(a, b int) int {
	if b <= 0 {
		return 0
	}
	if a > b {
		return a - b
	}
	return b - a
}

func improvementPct(current, best float64) float64 {
	if current > 0 {
		return (best - current) / current * 100
	}
	if best > 0 {
		return 100
	}
	return 0
}
