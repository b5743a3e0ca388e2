// Package database persists engine state in PostgreSQL and Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DSN builds the libpq connection string
func (cfg Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "Database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("statements", len(migrations)).Msg("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

var migrations = []string{
	// Idempotence ledger: one row per (flip, stage)
	`CREATE TABLE IF NOT EXISTS signal_ledger (
		asset VARCHAR(20) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		flip_time TIMESTAMPTZ NOT NULL,
		stage VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		direction SMALLINT NOT NULL,
		cycle_id VARCHAR(64) NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		outcome TEXT,
		awaiting_reentry BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (asset, timeframe, flip_time, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_ledger_reentry ON signal_ledger(asset, flip_time DESC) WHERE awaiting_reentry`,

	// Active HiLo periods; timeframe '' is the asset-wide period
	`CREATE TABLE IF NOT EXISTS hilo_periods (
		asset VARCHAR(20) NOT NULL,
		timeframe VARCHAR(8) NOT NULL DEFAULT '',
		period INT NOT NULL CHECK (period > 0),
		score DOUBLE PRECISION,
		source VARCHAR(32) NOT NULL DEFAULT 'config',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (asset, timeframe)
	)`,

	`CREATE TABLE IF NOT EXISTS optimizer_runs (
		id BIGSERIAL PRIMARY KEY,
		asset VARCHAR(20) NOT NULL,
		current_period INT NOT NULL,
		best_period INT NOT NULL,
		recommended_period INT NOT NULL,
		current_score DOUBLE PRECISION NOT NULL,
		best_score DOUBLE PRECISION NOT NULL,
		improvement_pct DOUBLE PRECISION NOT NULL,
		recommend BOOLEAN NOT NULL,
		hints_used BOOLEAN NOT NULL DEFAULT FALSE,
		ranked JSONB NOT NULL,
		evaluated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_optimizer_runs_asset ON optimizer_runs(asset, evaluated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS cycle_summaries (
		cycle_id VARCHAR(64) PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		assets INT NOT NULL,
		fired INT NOT NULL,
		failed INT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cycle_summaries_started ON cycle_summaries(started_at DESC)`,
}
