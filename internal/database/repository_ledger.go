package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/signal"
)

// LedgerRepository is the PostgreSQL signal.Ledger. The primary key makes
// Claim atomic across processes.
type LedgerRepository struct {
	db  *DB
	now func() time.Time
}

// NewLedgerRepository creates a ledger over db
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db, now: time.Now}
}

const ledgerColumns = `asset, timeframe, flip_time, stage, status, direction, cycle_id, claimed_at, completed_at, outcome, awaiting_reentry`

// Claim inserts the entry unless the key already exists
func (r *LedgerRepository) Claim(ctx context.Context, entry signal.LedgerEntry) error {
	key := entry.Key
	claimedAt := entry.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = r.now()
	}

	query := `
		INSERT INTO signal_ledger (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, '', FALSE)
		ON CONFLICT (asset, timeframe, flip_time, stage) DO NOTHING
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage),
		string(signal.StatusClaimed), int16(entry.Direction), entry.CycleID, claimedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", signal.ErrAlreadyClaimed, key)
	}
	return nil
}

func (r *LedgerRepository) Complete(ctx context.Context, key signal.FlipKey, outcome string, awaitingReentry bool) error {
	query := `
		UPDATE signal_ledger
		SET status = $5, completed_at = $6, outcome = $7, awaiting_reentry = $8
		WHERE asset = $1 AND timeframe = $2 AND flip_time = $3 AND stage = $4
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage),
		string(signal.StatusCompleted), r.now().UTC(), outcome, awaitingReentry,
	)
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", signal.ErrEntryNotFound, key)
	}
	return nil
}

// Release drops a claim that was never completed
func (r *LedgerRepository) Release(ctx context.Context, key signal.FlipKey) error {
	query := `
		DELETE FROM signal_ledger
		WHERE asset = $1 AND timeframe = $2 AND flip_time = $3 AND stage = $4 AND status = $5
	`
	if _, err := r.db.Pool.Exec(ctx, query,
		key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage), string(signal.StatusClaimed),
	); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

func (r *LedgerRepository) Get(ctx context.Context, key signal.FlipKey) (*signal.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM signal_ledger
		WHERE asset = $1 AND timeframe = $2 AND flip_time = $3 AND stage = $4`
	row := r.db.Pool.QueryRow(ctx, query, key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage))

	entry, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, signal.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return entry, nil
}

// PendingReentry returns the newest completed entry still awaiting re-entry
func (r *LedgerRepository) PendingReentry(ctx context.Context, asset string) (*signal.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM signal_ledger
		WHERE asset = $1 AND awaiting_reentry
		ORDER BY flip_time DESC
		LIMIT 1`

	entry, err := scanLedgerEntry(r.db.Pool.QueryRow(ctx, query, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending re-entry for %s: %w", asset, err)
	}
	return entry, nil
}

func (r *LedgerRepository) ClearReentry(ctx context.Context, key signal.FlipKey) error {
	query := `
		UPDATE signal_ledger SET awaiting_reentry = FALSE
		WHERE asset = $1 AND timeframe = $2 AND flip_time = $3 AND stage = $4
	`
	if _, err := r.db.Pool.Exec(ctx, query, key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage)); err != nil {
		return fmt.Errorf("failed to clear re-entry %s: %w", key, err)
	}
	return nil
}

// Delete removes an entry so the flip can fire again
func (r *LedgerRepository) Delete(ctx context.Context, key signal.FlipKey) error {
	query := `DELETE FROM signal_ledger WHERE asset = $1 AND timeframe = $2 AND flip_time = $3 AND stage = $4`
	tag, err := r.db.Pool.Exec(ctx, query, key.Asset, string(key.Timeframe), key.FlipTime.UTC(), string(key.Stage))
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", signal.ErrEntryNotFound, key)
	}
	return nil
}

// List returns an asset's entries, newest flip first. Empty asset lists all.
func (r *LedgerRepository) List(ctx context.Context, asset string, limit int) ([]signal.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + ledgerColumns + ` FROM signal_ledger
		WHERE ($1 = '' OR asset = $1)
		ORDER BY flip_time DESC, asset, timeframe, stage
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var entries []signal.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanLedgerEntry(row pgx.Row) (*signal.LedgerEntry, error) {
	var (
		e         signal.LedgerEntry
		timeframe string
		stage     string
		status    string
		direction int16
		outcome   *string
	)
	err := row.Scan(
		&e.Key.Asset, &timeframe, &e.Key.FlipTime, &stage, &status, &direction,
		&e.CycleID, &e.ClaimedAt, &e.CompletedAt, &outcome, &e.AwaitingReentry,
	)
	if err != nil {
		return nil, err
	}
	e.Key.Timeframe = marketdata.Timeframe(timeframe)
	e.Key.FlipTime = e.Key.FlipTime.UTC()
	e.Key.Stage = signal.Stage(stage)
	e.Status = signal.EntryStatus(status)
	e.Direction = indicator.Trend(direction)
	if outcome != nil {
		e.Outcome = *outcome
	}
	return &e, nil
}

var _ signal.Ledger = (*LedgerRepository)(nil)
