package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxMeta is the sidecar file stored next to an ONNX model
type OnnxMeta struct {
	Version      string   `json:"version"`
	FeatureNames []string `json:"feature_names"`
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`

	// OutputIndex selects P(reverse) in the output row
	OutputIndex int `json:"output_index"`
	OutputWidth int `json:"output_width"`
}

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeRuntime loads the onnxruntime shared library once per process
func InitializeRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

type onnxModel struct {
	meta
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	index   int
}

func loadOnnxMeta(path string) (*OnnxMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m OnnxMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode onnx metadata %s: %w", path, err)
	}
	if len(m.FeatureNames) == 0 {
		return nil, fmt.Errorf("onnx metadata %s has no feature names", path)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "probabilities"
	}
	if m.OutputWidth <= 0 {
		m.OutputWidth = 2
		m.OutputIndex = 1
	}
	if m.OutputIndex < 0 || m.OutputIndex >= m.OutputWidth {
		return nil, fmt.Errorf("onnx metadata %s: output index %d out of range", path, m.OutputIndex)
	}
	return &m, nil
}

func newOnnxModel(modelPath string, m *OnnxMeta) (*onnxModel, error) {
	inputShape := ort.NewShape(1, int64(len(m.FeatureNames)))
	inputTensor, err := ort.NewTensor(inputShape, make([]float32, len(m.FeatureNames)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.OutputWidth)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{m.InputName}, []string{m.OutputName},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}

	return &onnxModel{
		meta:    meta{names: m.FeatureNames, version: m.Version},
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		index:   m.OutputIndex,
	}, nil
}

func (m *onnxModel) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.names) {
		return 0, fmt.Errorf("%w: got %d values, model expects %d", ErrFeatureMismatch, len(x), len(m.names))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.input.GetData()
	for i, v := range x {
		data[i] = float32(v)
	}
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	return float64(m.output.GetData()[m.index]), nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.session != nil {
		err = m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
	return err
}
