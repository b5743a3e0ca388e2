package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticProvider serves preloaded series. Used for offline backtests from a
// bars file and as a test double.
type StaticProvider struct {
	mu     sync.RWMutex
	series map[string]map[Timeframe][]PriceBar
	errs   map[string]map[Timeframe]error
}

// NewStaticProvider creates an empty static provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		series: make(map[string]map[Timeframe][]PriceBar),
		errs:   make(map[string]map[Timeframe]error),
	}
}

// Set stores a series
func (p *StaticProvider) Set(asset string, tf Timeframe, bars []PriceBar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.series[asset] == nil {
		p.series[asset] = make(map[Timeframe][]PriceBar)
	}
	p.series[asset][tf] = bars
}

// Fail makes every fetch of (asset, tf) return err
func (p *StaticProvider) Fail(asset string, tf Timeframe, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errs[asset] == nil {
		p.errs[asset] = make(map[Timeframe]error)
	}
	p.errs[asset][tf] = err
}

// FetchBars implements Provider. limit keeps the most recent bars.
func (p *StaticProvider) FetchBars(ctx context.Context, asset string, tf Timeframe, limit int) ([]PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.errs[asset][tf]; err != nil {
		return nil, err
	}
	bars, ok := p.series[asset][tf]
	if !ok || len(bars) == 0 {
		return nil, fmt.Errorf("%w: no %s series for %s", ErrDataUnavailable, tf, asset)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]PriceBar, len(bars))
	copy(out, bars)
	return out, nil
}

// barsFile is the on-disk layout: {"BTCUSDT": {"1d": [bars...]}}
type barsFile map[string]map[Timeframe][]PriceBar

// LoadStaticProvider reads a JSON bars file
func LoadStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bars file: %w", err)
	}

	var parsed barsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse bars file: %w", err)
	}

	p := NewStaticProvider()
	for asset, byTF := range parsed {
		for tf, bars := range byTF {
			if _, err := tf.Duration(); err != nil {
				return nil, err
			}
			if err := Validate(bars); err != nil {
				return nil, fmt.Errorf("%s %s: %w", asset, tf, err)
			}
			p.Set(asset, tf, bars)
		}
	}
	return p, nil
}
