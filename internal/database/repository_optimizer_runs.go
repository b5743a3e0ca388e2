package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hilo-trend-engine/internal/optimizer"
)

// OptimizerRun is one persisted optimizer outcome
type OptimizerRun struct {
	ID int64 `json:"id"`
	optimizer.Outcome
}

// OptimizerRunRepository keeps the optimizer history
type OptimizerRunRepository struct {
	db *DB
}

// NewOptimizerRunRepository creates a run store over db
func NewOptimizerRunRepository(db *DB) *OptimizerRunRepository {
	return &OptimizerRunRepository{db: db}
}

// SaveRun stores an outcome and returns its id
func (r *OptimizerRunRepository) SaveRun(ctx context.Context, outcome *optimizer.Outcome) (int64, error) {
	ranked, err := json.Marshal(outcome.Ranked)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ranked candidates: %w", err)
	}

	query := `
		INSERT INTO optimizer_runs (
			asset, current_period, best_period, recommended_period,
			current_score, best_score, improvement_pct, recommend, hints_used,
			ranked, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	var id int64
	err = r.db.Pool.QueryRow(ctx, query,
		outcome.Asset, outcome.CurrentPeriod, outcome.BestPeriod, outcome.RecommendedPeriod,
		outcome.CurrentScore, outcome.BestScore, outcome.ImprovementPct, outcome.Recommend, outcome.HintsUsed,
		ranked, outcome.EvaluatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save optimizer run for %s: %w", outcome.Asset, err)
	}
	return id, nil
}

// LatestRun returns the newest run for asset, nil when there is none
func (r *OptimizerRunRepository) LatestRun(ctx context.Context, asset string) (*OptimizerRun, error) {
	query := `
		SELECT id, asset, current_period, best_period, recommended_period,
			current_score, best_score, improvement_pct, recommend, hints_used,
			ranked, evaluated_at
		FROM optimizer_runs
		WHERE asset = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`
	var (
		run    OptimizerRun
		ranked []byte
	)
	err := r.db.Pool.QueryRow(ctx, query, asset).Scan(
		&run.ID, &run.Asset, &run.CurrentPeriod, &run.BestPeriod, &run.RecommendedPeriod,
		&run.CurrentScore, &run.BestScore, &run.ImprovementPct, &run.Recommend, &run.HintsUsed,
		&ranked, &run.EvaluatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load optimizer run for %s: %w", asset, err)
	}
	if err := json.Unmarshal(ranked, &run.Ranked); err != nil {
		return nil, fmt.Errorf("failed to parse ranked candidates: %w", err)
	}
	return &run, nil
}

// RunHints suggests the top periods of the previous optimizer run
type RunHints struct {
	runs   *OptimizerRunRepository
	topN   int
	maxAge time.Duration
	now    func() time.Time
}

// NewRunHints creates a hint source over the run history. Runs older than
// maxAge are ignored when maxAge is positive.
func NewRunHints(runs *OptimizerRunRepository, topN int, maxAge time.Duration) *RunHints {
	if topN <= 0 {
		topN = 5
	}
	return &RunHints{runs: runs, topN: topN, maxAge: maxAge, now: time.Now}
}

// Hints implements optimizer.HintSource
func (h *RunHints) Hints(ctx context.Context, asset string) ([]int, error) {
	run, err := h.runs.LatestRun(ctx, asset)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: no previous run for %s", optimizer.ErrNoHints, asset)
	}
	if h.maxAge > 0 && h.now().Sub(run.EvaluatedAt) > h.maxAge {
		return nil, fmt.Errorf("%w: last run for %s is stale", optimizer.ErrNoHints, asset)
	}
	return TopPeriods(run.Ranked, h.topN), nil
}

// TopPeriods returns the first n periods of a ranked list
func TopPeriods(ranked []optimizer.Candidate, n int) []int {
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]int, 0, n)
	for _, c := range ranked[:n] {
		out = append(out, c.Period)
	}
	return out
}

var _ optimizer.HintSource = (*RunHints)(nil)
