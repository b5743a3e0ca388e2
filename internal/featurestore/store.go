// Package featurestore appends each cycle's consensus features and prediction
// to ClickHouse, building the corpus the reversal models are trained on.
package featurestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
)

const defaultTable = "hilo_consensus_features"

// Config holds ClickHouse connection settings
type Config struct {
	Enabled      bool
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	Table        string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	MaxOpenConns int
	AsyncInsert  bool
}

// Record is one asset's row for one cycle. Probability is nil when the
// classifier produced no prediction.
type Record struct {
	CycleID       string
	Asset         string
	CycleTime     time.Time
	BarTime       time.Time
	PrimaryTrend  int8
	FeatureNames  []string
	FeatureValues []float64
	Probability   *float64
	ModelVersion  string
	Verdict       string
}

// NewRecord flattens a snapshot and its optional prediction
func NewRecord(cycleID string, cycleTime time.Time, snap *analysis.Snapshot, pred *ml.Prediction, verdict string) Record {
	rec := Record{
		CycleID:       cycleID,
		Asset:         snap.Asset,
		CycleTime:     cycleTime.UTC(),
		BarTime:       snap.PrimaryReading().BarTime.UTC(),
		PrimaryTrend:  int8(snap.PrimaryReading().Trend),
		FeatureNames:  snap.Features.Names(),
		FeatureValues: snap.Features.Values(),
		Verdict:       verdict,
	}
	if pred != nil {
		p := pred.ProbabilityReverse
		rec.Probability = &p
		rec.ModelVersion = pred.ModelVersion
	}
	return rec
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store writes records to ClickHouse
type Store struct {
	db     *sql.DB
	exec   execer
	table  string
	logger zerolog.Logger
}

// Open connects to ClickHouse and verifies the connection
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("clickhouse host is required")
	}
	db, err := sql.Open("clickhouse", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := newStore(db, cfg.Table, logger)
	s.db = db
	return s, nil
}

func newStore(exec execer, table string, logger zerolog.Logger) *Store {
	if table == "" {
		table = defaultTable
	}
	return &Store{
		exec:   exec,
		table:  table,
		logger: logger.With().Str("component", "FeatureStore").Logger(),
	}
}

// InitSchema creates the feature table when missing
func (s *Store) InitSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cycle_id       String,
			asset          LowCardinality(String),
			cycle_time     DateTime64(3, 'UTC'),
			bar_time       DateTime64(3, 'UTC'),
			primary_trend  Int8,
			feature_names  Array(String),
			feature_values Array(Float64),
			probability    Nullable(Float64),
			model_version  String,
			verdict        LowCardinality(String)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(cycle_time)
		ORDER BY (asset, cycle_time)
	`, s.table)
	if _, err := s.exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init feature schema: %w", err)
	}
	return nil
}

// Append inserts records in one multi-row statement
func (s *Store) Append(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*10)
	for _, r := range records {
		if r.Asset == "" || r.CycleID == "" {
			continue
		}
		var prob interface{}
		if r.Probability != nil {
			prob = *r.Probability
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.CycleID,
			r.Asset,
			r.CycleTime,
			r.BarTime,
			r.PrimaryTrend,
			r.FeatureNames,
			r.FeatureValues,
			prob,
			r.ModelVersion,
			r.Verdict,
		)
	}
	if len(values) == 0 {
		return nil
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (cycle_id, asset, cycle_time, bar_time, primary_trend, feature_names, feature_values, probability, model_version, verdict) VALUES %s",
		s.table, strings.Join(values, ","),
	)
	start := time.Now()
	if _, err := s.exec.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("append features: %w", err)
	}
	s.logger.Debug().Int("rows", len(values)).Dur("duration", time.Since(start)).Msg("Feature rows appended")
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	database := cfg.Database
	if database == "" {
		database = "default"
	}
	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, port, database)

	var params []string
	if cfg.DialTimeout > 0 {
		params = append(params, fmt.Sprintf("dial_timeout=%s", cfg.DialTimeout))
	}
	if cfg.ReadTimeout > 0 {
		params = append(params, fmt.Sprintf("read_timeout=%s", cfg.ReadTimeout))
	}
	if cfg.AsyncInsert {
		params = append(params, "async_insert=1", "wait_for_async_insert=1")
	}
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}
	return dsn
}
