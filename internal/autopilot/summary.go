package autopilot

import (
	"time"

	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

// AssetSummary is one asset's line of a cycle report
type AssetSummary struct {
	Asset        string                 `json:"asset"`
	OldTrend     indicator.Trend        `json:"old_trend"`
	NewTrend     indicator.Trend        `json:"new_trend"`
	Verdict      signal.Decision        `json:"verdict"`
	Fired        bool                   `json:"fired"`
	Basis        signal.Basis           `json:"basis,omitempty"`
	Probability  *float64               `json:"probability,omitempty"`
	OrderOutcome *position.OrderOutcome `json:"order_outcome,omitempty"`
	Settlement   string                 `json:"settlement,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
}

// Failed reports whether the asset surfaced an error or a failed order
func (s AssetSummary) Failed() bool {
	if s.Error != "" {
		return true
	}
	return s.OrderOutcome != nil && s.OrderOutcome.Kind == position.OutcomeFailed
}

// CycleSummary is the report of one decision cycle
type CycleSummary struct {
	CycleID    string         `json:"cycle_id"`
	CycleTime  time.Time      `json:"cycle_time"`
	FinishedAt time.Time      `json:"finished_at"`
	Assets     []AssetSummary `json:"assets"`
	Fired      int            `json:"fired"`
	Failed     int            `json:"failed"`
	TimedOut   bool           `json:"timed_out,omitempty"`
}

// Result is the coarse cycle result used for metrics
func (s *CycleSummary) Result() string {
	switch {
	case s.TimedOut:
		return "timeout"
	case s.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

func (s *CycleSummary) tally() {
	s.Fired, s.Failed = 0, 0
	for _, a := range s.Assets {
		if a.Fired {
			s.Fired++
		}
		if a.Failed() {
			s.Failed++
		}
	}
}

// Settlement values recorded on a fired verdict
const (
	SettlementCompleted = "completed"
	SettlementAbandoned = "abandoned"

	// the order failed after reaching the exchange; the key stays claimed
	SettlementHeld = "held"
)
