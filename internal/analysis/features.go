package analysis

import (
	"hilo-trend-engine/internal/marketdata"
)

// Feature is one named classifier input
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Features is the ordered consensus record fed to the classifier
type Features []Feature

// FeatureNames lists "{tf}_state" and "{tf}_candles_since_flip" per timeframe, in order
func FeatureNames(tfs []marketdata.Timeframe) []string {
	names := make([]string, 0, 2*len(tfs))
	for _, tf := range tfs {
		names = append(names, string(tf)+"_state", string(tf)+"_candles_since_flip")
	}
	return names
}

func buildFeatures(readings []TimeframeReading) Features {
	out := make(Features, 0, 2*len(readings))
	for _, r := range readings {
		out = append(out,
			Feature{Name: string(r.Timeframe) + "_state", Value: r.Trend.Direction()},
			Feature{Name: string(r.Timeframe) + "_candles_since_flip", Value: float64(r.CandlesSinceFlip)},
		)
	}
	return out
}

// Names returns the feature names in order
func (f Features) Names() []string {
	names := make([]string, len(f))
	for i, ft := range f {
		names[i] = ft.Name
	}
	return names
}

// Values returns the feature values in order
func (f Features) Values() []float64 {
	values := make([]float64, len(f))
	for i, ft := range f {
		values[i] = ft.Value
	}
	return values
}

// Map returns the features keyed by name
func (f Features) Map() map[string]float64 {
	m := make(map[string]float64, len(f))
	for _, ft := range f {
		m[ft.Name] = ft.Value
	}
	return m
}
