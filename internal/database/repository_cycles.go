package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CycleRecord is a persisted cycle summary. Payload holds the full summary
// document.
type CycleRecord struct {
	CycleID    string          `json:"cycle_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Assets     int             `json:"assets"`
	Fired      int             `json:"fired"`
	Failed     int             `json:"failed"`
	Payload    json.RawMessage `json:"payload"`
}

// CycleRepository stores cycle summaries
type CycleRepository struct {
	db *DB
}

// NewCycleRepository creates a cycle store over db
func NewCycleRepository(db *DB) *CycleRepository {
	return &CycleRepository{db: db}
}

// SaveCycle upserts a summary by cycle id
func (r *CycleRepository) SaveCycle(ctx context.Context, rec CycleRecord) error {
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO cycle_summaries (cycle_id, started_at, finished_at, assets, fired, failed, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at, assets = EXCLUDED.assets, fired = EXCLUDED.fired,
			failed = EXCLUDED.failed, payload = EXCLUDED.payload
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.CycleID, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Assets, rec.Fired, rec.Failed, []byte(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save cycle %s: %w", rec.CycleID, err)
	}
	return nil
}

// ListCycles returns the newest summaries first
func (r *CycleRepository) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT cycle_id, started_at, finished_at, assets, fired, failed, payload
		FROM cycle_summaries
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LatestCycle returns the newest summary, nil when none is stored
func (r *CycleRepository) LatestCycle(ctx context.Context) (*CycleRecord, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT cycle_id, started_at, finished_at, assets, fired, failed, payload
		FROM cycle_summaries
		ORDER BY started_at DESC
		LIMIT 1
	`)
	rec, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanCycle(row pgx.Row) (*CycleRecord, error) {
	var rec CycleRecord
	var payload []byte
	if err := row.Scan(&rec.CycleID, &rec.StartedAt, &rec.FinishedAt, &rec.Assets, &rec.Fired, &rec.Failed, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cycle: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}
