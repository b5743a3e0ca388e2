package optimizer

import (
	"context"
	"errors"
)

// ErrNoHints means the source has nothing for the asset
var ErrNoHints = errors.New("no period hints")

// StaticHints serves configured hint sets
type StaticHints map[string][]int

// Hints implements HintSource
func (h StaticHints) Hints(ctx context.Context, asset string) ([]int, error) {
	periods, ok := h[asset]
	if !ok || len(periods) == 0 {
		return nil, ErrNoHints
	}
	return append([]int(nil), periods...), nil
}

// ChainHints asks each source in turn and returns the first usable answer
type ChainHints []HintSource

// Hints implements HintSource
func (c ChainHints) Hints(ctx context.Context, asset string) ([]int, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		periods, err := src.Hints(ctx, asset)
		if err == nil && len(periods) > 0 {
			return periods, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, ErrNoHints
	}
	return nil, errors.Join(errs...)
}
