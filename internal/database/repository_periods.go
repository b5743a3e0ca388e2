package database

import (
	"context"
	"fmt"
	"time"

	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/marketdata"
)

// PeriodRecord is one persisted HiLo period. An empty Timeframe is the
// asset-wide period.
type PeriodRecord struct {
	Asset     string               `json:"asset"`
	Timeframe marketdata.Timeframe `json:"timeframe,omitempty"`
	Period    int                  `json:"period"`
	Score     *float64             `json:"score,omitempty"`
	Source    string               `json:"source"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// PeriodRepository stores the active periods chosen by the optimizer
type PeriodRepository struct {
	db *DB
}

// NewPeriodRepository creates a period store over db
func NewPeriodRepository(db *DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

// SavePeriod upserts one period
func (r *PeriodRepository) SavePeriod(ctx context.Context, rec PeriodRecord) error {
	if rec.Period <= 0 {
		return fmt.Errorf("invalid period %d for %s", rec.Period, rec.Asset)
	}
	if rec.Source == "" {
		rec.Source = "optimizer"
	}
	query := `
		INSERT INTO hilo_periods (asset, timeframe, period, score, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (asset, timeframe) DO UPDATE
		SET period = EXCLUDED.period, score = EXCLUDED.score, source = EXCLUDED.source, updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, rec.Asset, string(rec.Timeframe), rec.Period, rec.Score, rec.Source); err != nil {
		return fmt.Errorf("failed to save period for %s: %w", rec.Asset, err)
	}
	return nil
}

// ListPeriods returns every stored period
func (r *PeriodRepository) ListPeriods(ctx context.Context) ([]PeriodRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT asset, timeframe, period, score, source, updated_at
		FROM hilo_periods
		ORDER BY asset, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodRecord
	for rows.Next() {
		var rec PeriodRecord
		var tf string
		if err := rows.Scan(&rec.Asset, &tf, &rec.Period, &rec.Score, &rec.Source, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		rec.Timeframe = marketdata.Timeframe(tf)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadInto overlays the stored periods onto table and returns how many applied
func (r *PeriodRepository) LoadInto(ctx context.Context, table *analysis.PeriodTable) (int, error) {
	records, err := r.ListPeriods(ctx)
	if err != nil {
		return 0, err
	}
	return ApplyPeriods(table, records), nil
}

// ApplyPeriods writes records into table
func ApplyPeriods(table *analysis.PeriodTable, records []PeriodRecord) int {
	applied := 0
	for _, rec := range records {
		if rec.Period <= 0 {
			continue
		}
		if rec.Timeframe == "" {
			table.Set(rec.Asset, rec.Period)
		} else {
			table.SetTimeframe(rec.Asset, rec.Timeframe, rec.Period)
		}
		applied++
	}
	return applied
}
