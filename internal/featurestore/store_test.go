package featurestore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
)

type recordingExec struct {
	query string
	args  []any
	err   error
	calls int
}

func (r *recordingExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	r.calls++
	r.query = query
	r.args = args
	return nil, r.err
}

func TestAppend_MultiRowInsert(t *testing.T) {
	exec := &recordingExec{}
	store := newStore(exec, "", zerolog.Nop())

	p := 0.81
	records := []Record{
		{CycleID: "c1", Asset: "BTCUSDT", Probability: &p, FeatureNames: []string{"trend_1d"}, FeatureValues: []float64{1}},
		{CycleID: "c1", Asset: "ETHUSDT"},
		{CycleID: "", Asset: "SKIPPED"},
	}
	if err := store.Append(context.Background(), records); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !strings.HasPrefix(exec.query, "INSERT INTO hilo_consensus_features") {
		t.Errorf("Expected insert into default table, got %s", exec.query)
	}
	if got := strings.Count(exec.query, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"); got != 2 {
		t.Errorf("Expected 2 value rows, got %d", got)
	}
	if len(exec.args) != 20 {
		t.Fatalf("Expected 20 args, got %d", len(exec.args))
	}
	if exec.args[7] != 0.81 {
		t.Errorf("Expected probability 0.81, got %v", exec.args[7])
	}
	if exec.args[17] != nil {
		t.Errorf("Expected nil probability for the second row, got %v", exec.args[17])
	}
}

func TestAppend_EmptyAndErrors(t *testing.T) {
	exec := &recordingExec{}
	store := newStore(exec, "t", zerolog.Nop())

	if err := store.Append(context.Background(), nil); err != nil || exec.calls != 0 {
		t.Errorf("Expected no-op on empty input, got err=%v calls=%d", err, exec.calls)
	}

	exec.err = errors.New("connection refused")
	err := store.Append(context.Background(), []Record{{CycleID: "c", Asset: "A"}})
	if err == nil || !strings.Contains(err.Error(), "append features") {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestNewRecord(t *testing.T) {
	bar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := &analysis.Snapshot{
		Asset:   "SOLUSDT",
		Primary: marketdata.TF1d,
		Readings: []analysis.TimeframeReading{
			{Timeframe: marketdata.TF1d, Trend: indicator.TrendRed, BarTime: bar},
		},
		Features: analysis.Features{{Name: "trend_1d", Value: -1}},
	}

	rec := NewRecord("c9", bar.Add(time.Hour), snap, &ml.Prediction{ProbabilityReverse: 0.4, ModelVersion: "v2"}, "DECLINED")
	if rec.PrimaryTrend != -1 {
		t.Errorf("Expected trend -1, got %d", rec.PrimaryTrend)
	}
	if rec.Probability == nil || *rec.Probability != 0.4 {
		t.Errorf("Expected probability 0.4, got %v", rec.Probability)
	}
	if !rec.BarTime.Equal(bar) || rec.ModelVersion != "v2" {
		t.Errorf("Unexpected record %+v", rec)
	}

	noPred := NewRecord("c9", bar, snap, nil, "DECLINED")
	if noPred.Probability != nil {
		t.Error("Expected nil probability without a prediction")
	}
}

func TestBuildDSN(t *testing.T) {
	got := buildDSN(Config{Host: "ch", User: "u", Password: "p", DialTimeout: 5 * time.Second, AsyncInsert: true})
	want := "clickhouse://u:p@ch:9000/default?dial_timeout=5s&async_insert=1&wait_for_async_insert=1"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}
