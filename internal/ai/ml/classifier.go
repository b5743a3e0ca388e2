// Package ml serves the per-asset trend reversal classifiers.
package ml

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/analysis"
)

var (
	ErrModelUnavailable = errors.New("reversal model unavailable")
	ErrFeatureMismatch  = errors.New("feature set does not match model")
)

// Prediction is the classifier output for one asset and cycle
type Prediction struct {
	Asset              string    `json:"asset"`
	ProbabilityReverse float64   `json:"probability_reverse"`
	ProbabilityStay    float64   `json:"probability_stay"`
	ExecuteHint        bool      `json:"execute_hint"`
	Threshold          float64   `json:"threshold"`
	ModelVersion       string    `json:"model_version"`
	PredictedAt        time.Time `json:"predicted_at"`
}

// ClassifierConfig holds classifier configuration
type ClassifierConfig struct {
	Enabled   bool
	Threshold float64
}

// PredictionStats counts predictions served and their fallbacks
type PredictionStats struct {
	mu          sync.RWMutex
	Predictions int
	ExecuteHint int
	Unavailable int
	Mismatches  int
}

func (s *PredictionStats) record(err error, hint bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, ErrFeatureMismatch):
		s.Mismatches++
	case err != nil:
		s.Unavailable++
	default:
		s.Predictions++
		if hint {
			s.ExecuteHint++
		}
	}
}

// Snapshot returns a copy of the counters
func (s *PredictionStats) Snapshot() PredictionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PredictionStats{
		Predictions: s.Predictions,
		ExecuteHint: s.ExecuteHint,
		Unavailable: s.Unavailable,
		Mismatches:  s.Mismatches,
	}
}

// Classifier estimates P(trend reverses) from consensus features
type Classifier struct {
	source ModelSource
	cfg    ClassifierConfig
	stats  *PredictionStats
	logger zerolog.Logger
}

// NewClassifier creates a classifier. Threshold defaults to 0.70.
func NewClassifier(source ModelSource, cfg ClassifierConfig, logger zerolog.Logger) *Classifier {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = 0.70
	}
	return &Classifier{
		source: source,
		cfg:    cfg,
		stats:  &PredictionStats{},
		logger: logger.With().Str("component", "Classifier").Logger(),
	}
}

// Threshold returns the execute-hint cutoff
func (c *Classifier) Threshold() float64 { return c.cfg.Threshold }

// Enabled reports whether predictions are served at all
func (c *Classifier) Enabled() bool { return c.cfg.Enabled && c.source != nil }

// Stats returns the prediction counters
func (c *Classifier) Stats() PredictionStats { return c.stats.Snapshot() }

// Predict scores the features with the asset's model. A disabled classifier
// or a missing artifact yields ErrModelUnavailable; a feature contract
// mismatch yields ErrFeatureMismatch.
func (c *Classifier) Predict(ctx context.Context, asset string, features analysis.Features) (*Prediction, error) {
	p, err := c.predict(ctx, asset, features)
	c.stats.record(err, p != nil && p.ExecuteHint)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("asset", asset).
		Str("model_version", p.ModelVersion).
		Float64("probability_reverse", p.ProbabilityReverse).
		Bool("execute_hint", p.ExecuteHint).
		Msg("Reversal prediction")
	return p, nil
}

func (c *Classifier) predict(ctx context.Context, asset string, features analysis.Features) (*Prediction, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: classifier disabled", ErrModelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := c.source.Model(asset)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	want := model.FeatureNames()
	got := features.Names()
	if !slices.Equal(want, got) {
		c.logger.Error().
			Str("asset", asset).
			Strs("model_features", want).
			Strs("features", got).
			Msg("Feature contract mismatch")
		return nil, fmt.Errorf("%w: %s model %s expects %d features, got %d", ErrFeatureMismatch, asset, model.Version(), len(want), len(got))
	}

	prob, err := model.PredictProba(features.Values())
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", asset, err)
	}
	prob = clamp(prob, 0, 1)

	return &Prediction{
		Asset:              asset,
		ProbabilityReverse: prob,
		ProbabilityStay:    1 - prob,
		ExecuteHint:        prob > c.cfg.Threshold,
		Threshold:          c.cfg.Threshold,
		ModelVersion:       model.Version(),
		PredictedAt:        time.Now().UTC(),
	}, nil
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
