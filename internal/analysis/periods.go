package analysis

import (
	"sync"

	"hilo-trend-engine/internal/marketdata"
)

// PeriodSource resolves the lookback used for one (asset, timeframe)
type PeriodSource interface {
	PeriodFor(asset string, tf marketdata.Timeframe) int
}

// PeriodTable holds per-asset periods with per-timeframe overrides.
// Safe for concurrent use; the optimizer updates it between cycles.
type PeriodTable struct {
	mu          sync.RWMutex
	def         int
	byAsset     map[string]int
	byTimeframe map[string]map[marketdata.Timeframe]int
}

// NewPeriodTable creates a table falling back to def
func NewPeriodTable(def int, byAsset map[string]int, byTimeframe map[string]map[marketdata.Timeframe]int) *PeriodTable {
	t := &PeriodTable{
		def:         def,
		byAsset:     make(map[string]int, len(byAsset)),
		byTimeframe: make(map[string]map[marketdata.Timeframe]int, len(byTimeframe)),
	}
	for asset, p := range byAsset {
		t.byAsset[asset] = p
	}
	for asset, tfs := range byTimeframe {
		m := make(map[marketdata.Timeframe]int, len(tfs))
		for tf, p := range tfs {
			m[tf] = p
		}
		t.byTimeframe[asset] = m
	}
	return t
}

// PeriodFor implements PeriodSource
func (t *PeriodTable) PeriodFor(asset string, tf marketdata.Timeframe) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.byTimeframe[asset][tf]; ok && p > 0 {
		return p
	}
	if p, ok := t.byAsset[asset]; ok && p > 0 {
		return p
	}
	return t.def
}

// AssetPeriod returns the asset-level period
func (t *PeriodTable) AssetPeriod(asset string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.byAsset[asset]; ok && p > 0 {
		return p
	}
	return t.def
}

// Set replaces the asset-level period
func (t *PeriodTable) Set(asset string, period int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAsset[asset] = period
}

// Snapshot copies the asset-level periods
func (t *PeriodTable) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.byAsset))
	for k, v := range t.byAsset {
		out[k] = v
	}
	return out
}

// SetTimeframe replaces the period for one (asset, timeframe)
func (t *PeriodTable) SetTimeframe(asset string, tf marketdata.Timeframe, period int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byTimeframe[asset]
	if !ok {
		m = make(map[marketdata.Timeframe]int)
		t.byTimeframe[asset] = m
	}
	m[tf] = period
}
