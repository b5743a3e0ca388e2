package ml

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/marketdata"
)

var testTimeframes = []marketdata.Timeframe{marketdata.TF1h, marketdata.TF1d}

func testFeatures(values ...float64) analysis.Features {
	names := analysis.FeatureNames(testTimeframes)
	f := make(analysis.Features, len(names))
	for i, n := range names {
		f[i] = analysis.Feature{Name: n, Value: values[i]}
	}
	return f
}

func writeArtifact(t *testing.T, dir, asset string, a Artifact) {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, asset+".json"), data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func logisticArtifact(intercept float64, coef ...float64) Artifact {
	return Artifact{
		Asset:        "BTCUSDT",
		Version:      "BTCUSDT-v1",
		Kind:         "logistic",
		FeatureNames: analysis.FeatureNames(testTimeframes),
		Logistic:     &LogisticParams{Coef: coef, Intercept: intercept},
	}
}

func TestClassifier_LogisticPrediction(t *testing.T) {
	dir := t.TempDir()
	// z = 2 + 0*x gives p = 0.8808
	writeArtifact(t, dir, "BTCUSDT", logisticArtifact(2, 0, 0, 0, 0))

	c := NewClassifier(NewRegistry(dir, "", zerolog.Nop()), ClassifierConfig{Enabled: true}, zerolog.Nop())
	p, err := c.Predict(context.Background(), "BTCUSDT", testFeatures(1, 3, -1, 12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := 1 / (1 + math.Exp(-2))
	if math.Abs(p.ProbabilityReverse-want) > 1e-12 {
		t.Errorf("Expected probability %v, got %v", want, p.ProbabilityReverse)
	}
	if math.Abs(p.ProbabilityStay-(1-want)) > 1e-12 {
		t.Errorf("Expected stay probability %v, got %v", 1-want, p.ProbabilityStay)
	}
	if !p.ExecuteHint {
		t.Error("Expected execute hint above 0.70")
	}
	if p.ModelVersion != "BTCUSDT-v1" {
		t.Errorf("Expected model version BTCUSDT-v1, got %s", p.ModelVersion)
	}
}

func TestClassifier_ThresholdIsStrict(t *testing.T) {
	dir := t.TempDir()
	// intercept 0 gives exactly 0.5
	writeArtifact(t, dir, "BTCUSDT", logisticArtifact(0, 0, 0, 0, 0))

	c := NewClassifier(NewRegistry(dir, "", zerolog.Nop()), ClassifierConfig{Enabled: true, Threshold: 0.5}, zerolog.Nop())
	p, err := c.Predict(context.Background(), "BTCUSDT", testFeatures(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ExecuteHint {
		t.Error("Expected no execute hint when probability equals the threshold")
	}
}

func TestClassifier_FeatureMismatch(t *testing.T) {
	dir := t.TempDir()
	a := logisticArtifact(0, 1, 1, 1, 1)
	a.FeatureNames = []string{"1d_state", "1d_candles_since_flip", "1h_state", "1h_candles_since_flip"}
	writeArtifact(t, dir, "BTCUSDT", a)

	c := NewClassifier(NewRegistry(dir, "", zerolog.Nop()), ClassifierConfig{Enabled: true}, zerolog.Nop())
	_, err := c.Predict(context.Background(), "BTCUSDT", testFeatures(1, 2, 3, 4))
	if !errors.Is(err, ErrFeatureMismatch) {
		t.Fatalf("Expected ErrFeatureMismatch for reordered features, got %v", err)
	}
	if got := c.Stats().Mismatches; got != 1 {
		t.Errorf("Expected 1 mismatch recorded, got %d", got)
	}
}

func TestClassifier_Unavailable(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "BTCUSDT", logisticArtifact(0, 0, 0, 0, 0))

	tests := []struct {
		name  string
		cfg   ClassifierConfig
		asset string
	}{
		{"disabled", ClassifierConfig{Enabled: false}, "BTCUSDT"},
		{"missing artifact", ClassifierConfig{Enabled: true}, "ETHUSDT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(NewRegistry(dir, "", zerolog.Nop()), tt.cfg, zerolog.Nop())
			_, err := c.Predict(context.Background(), tt.asset, testFeatures(0, 0, 0, 0))
			if !errors.Is(err, ErrModelUnavailable) {
				t.Errorf("Expected ErrModelUnavailable, got %v", err)
			}
		})
	}
}

func TestForestModel(t *testing.T) {
	a := &Artifact{
		Version:      "forest-v2",
		Kind:         "forest",
		FeatureNames: analysis.FeatureNames(testTimeframes),
		Forest: &ForestParams{Trees: []Tree{
			{Nodes: []TreeNode{
				{Feature: 1, Threshold: 5, Left: 1, Right: 2},
				{Feature: -1, Value: 0.9},
				{Feature: -1, Value: 0.2},
			}},
			{Nodes: []TreeNode{
				{Feature: -1, Value: 0.5},
			}},
		}},
	}
	m, err := NewModel(a)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	tests := []struct {
		x    []float64
		want float64
	}{
		{[]float64{1, 3, 0, 0}, 0.7},
		{[]float64{1, 8, 0, 0}, 0.35},
	}
	for _, tt := range tests {
		got, err := m.PredictProba(tt.x)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Expected %v, got %v", tt.want, got)
		}
	}
}

func TestNewModel_RejectsBrokenArtifacts(t *testing.T) {
	names := analysis.FeatureNames(testTimeframes)
	tests := []struct {
		name string
		a    Artifact
	}{
		{"unknown kind", Artifact{Kind: "svm", FeatureNames: names}},
		{"coef count", Artifact{Kind: "logistic", FeatureNames: names, Logistic: &LogisticParams{Coef: []float64{1}}}},
		{"cyclic tree", Artifact{Kind: "forest", FeatureNames: names, Forest: &ForestParams{Trees: []Tree{
			{Nodes: []TreeNode{{Feature: 0, Left: 0, Right: 0}}},
		}}}},
		{"feature out of range", Artifact{Kind: "forest", FeatureNames: names, Forest: &ForestParams{Trees: []Tree{
			{Nodes: []TreeNode{{Feature: 9, Left: 1, Right: 2}, {Feature: -1}, {Feature: -1}}},
		}}}},
	}
	for _, tt := range tests {
		if _, err := NewModel(&tt.a); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
