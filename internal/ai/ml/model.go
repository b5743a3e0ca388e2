package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Model turns an ordered feature vector into P(reverse)
type Model interface {
	FeatureNames() []string
	Version() string
	PredictProba(features []float64) (float64, error)
	Close() error
}

// Artifact is the JSON model file written by the offline trainer
type Artifact struct {
	Asset        string          `json:"asset"`
	Version      string          `json:"version"`
	Kind         string          `json:"kind"`
	FeatureNames []string        `json:"feature_names"`
	TrainedAt    time.Time       `json:"trained_at"`
	Logistic     *LogisticParams `json:"logistic,omitempty"`
	Forest       *ForestParams   `json:"forest,omitempty"`
}

// LogisticParams are the coefficients of a logistic regression
type LogisticParams struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

// ForestParams is a tree ensemble whose leaves hold P(reverse)
type ForestParams struct {
	Trees []Tree `json:"trees"`
}

// Tree is a flattened binary decision tree. Node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode goes left when x[Feature] <= Threshold. Feature < 0 marks a leaf.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// LoadArtifact reads and validates a JSON model file
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if len(a.FeatureNames) == 0 {
		return nil, fmt.Errorf("model %s has no feature names", path)
	}
	return &a, nil
}

// NewModel builds the model described by the artifact
func NewModel(a *Artifact) (Model, error) {
	switch a.Kind {
	case "logistic":
		if a.Logistic == nil || len(a.Logistic.Coef) != len(a.FeatureNames) {
			return nil, fmt.Errorf("logistic model %s: %d coefficients for %d features", a.Version, coefCount(a.Logistic), len(a.FeatureNames))
		}
		return &logisticModel{meta: meta{names: a.FeatureNames, version: a.Version}, params: *a.Logistic}, nil
	case "forest":
		if a.Forest == nil || len(a.Forest.Trees) == 0 {
			return nil, fmt.Errorf("forest model %s has no trees", a.Version)
		}
		for i, t := range a.Forest.Trees {
			if err := t.validate(len(a.FeatureNames)); err != nil {
				return nil, fmt.Errorf("forest model %s tree %d: %w", a.Version, i, err)
			}
		}
		return &forestModel{meta: meta{names: a.FeatureNames, version: a.Version}, params: *a.Forest}, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", a.Kind)
	}
}

func coefCount(p *LogisticParams) int {
	if p == nil {
		return 0
	}
	return len(p.Coef)
}

type meta struct {
	names   []string
	version string
}

func (m meta) FeatureNames() []string { return append([]string(nil), m.names...) }
func (m meta) Version() string        { return m.version }
func (m meta) Close() error           { return nil }

type logisticModel struct {
	meta
	params LogisticParams
}

func (m *logisticModel) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.params.Coef) {
		return 0, fmt.Errorf("%w: got %d values, model expects %d", ErrFeatureMismatch, len(x), len(m.params.Coef))
	}
	z := m.params.Intercept
	for i, c := range m.params.Coef {
		z += c * x[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

type forestModel struct {
	meta
	params ForestParams
}

func (m *forestModel) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.names) {
		return 0, fmt.Errorf("%w: got %d values, model expects %d", ErrFeatureMismatch, len(x), len(m.names))
	}
	sum := 0.0
	for _, t := range m.params.Trees {
		sum += t.leaf(x)
	}
	return sum / float64(len(m.params.Trees)), nil
}

func (t Tree) leaf(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// validate rejects out-of-range references and cycles
func (t Tree) validate(features int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			if n.Value < 0 || n.Value > 1 {
				return fmt.Errorf("leaf %d value %v outside [0,1]", i, n.Value)
			}
			continue
		}
		if n.Feature >= features {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, features)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}
