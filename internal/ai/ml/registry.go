package ml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ModelSource returns the model for an asset
type ModelSource interface {
	Model(asset string) (Model, error)
}

// Registry loads per-asset artifacts from a directory and caches them.
// {dir}/{ASSET}.json is preferred over {dir}/{ASSET}.onnx.
type Registry struct {
	dir         string
	onnxLibrary string
	logger      zerolog.Logger

	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry creates a registry over dir
func NewRegistry(dir, onnxLibrary string, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:         dir,
		onnxLibrary: onnxLibrary,
		logger:      logger.With().Str("component", "ModelRegistry").Logger(),
		models:      make(map[string]Model),
	}
}

// Model implements ModelSource
func (r *Registry) Model(asset string) (Model, error) {
	asset = strings.ToUpper(asset)

	r.mu.RLock()
	m, ok := r.models[asset]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[asset]; ok {
		return m, nil
	}

	m, err := r.load(asset)
	if err != nil {
		return nil, err
	}
	r.models[asset] = m
	r.logger.Info().Str("asset", asset).Str("version", m.Version()).Msg("Model loaded")
	return m, nil
}

func (r *Registry) load(asset string) (Model, error) {
	if r.dir == "" {
		return nil, fmt.Errorf("%w: no models directory", ErrModelUnavailable)
	}

	jsonPath := filepath.Join(r.dir, asset+".json")
	if _, err := os.Stat(jsonPath); err == nil {
		a, err := LoadArtifact(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		m, err := NewModel(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		return m, nil
	}

	onnxPath := filepath.Join(r.dir, asset+".onnx")
	if _, err := os.Stat(onnxPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no artifact for %s in %s", ErrModelUnavailable, asset, r.dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	meta, err := loadOnnxMeta(filepath.Join(r.dir, asset+".meta.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if err := InitializeRuntime(r.onnxLibrary); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime: %v", ErrModelUnavailable, err)
	}
	m, err := newOnnxModel(onnxPath, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return m, nil
}

// Reload drops every cached model so the next call rereads the artifacts
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for asset, m := range r.models {
		if err := m.Close(); err != nil {
			r.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to close model")
		}
	}
	r.models = make(map[string]Model)
}

// Close releases every loaded model
func (r *Registry) Close() error {
	r.Reload()
	return nil
}
