package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/ai/ml"
	"hilo-trend-engine/internal/analysis"
	"hilo-trend-engine/internal/circuit"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/featurestore"
	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

var flipTime = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

type fakeAggregator struct {
	mu    sync.Mutex
	snaps map[string]*analysis.Snapshot
	errs  map[string]error
}

func (f *fakeAggregator) Aggregate(_ context.Context, asset string) (*analysis.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[asset]; err != nil {
		return nil, err
	}
	return f.snaps[asset], nil
}

func (f *fakeAggregator) set(asset string, snap *analysis.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[asset] = snap
}

type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]position.OutcomeKind
	calls    []signal.Verdict
}

func (f *fakeExecutor) Apply(_ context.Context, v signal.Verdict) position.OrderOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, v)
	kind := f.outcomes[v.Asset]
	if kind == "" {
		kind = position.OutcomeOpened
	}
	o := position.OrderOutcome{Asset: v.Asset, Kind: kind, Quantity: 0.5}
	if kind == position.OutcomeFailed {
		o.Reason = "rejected"
		o.Err = position.ErrOrderFailed
	}
	return o
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryCycles struct {
	mu      sync.Mutex
	records []database.CycleRecord
}

func (m *memoryCycles) SaveCycle(_ context.Context, rec database.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type memoryFeatures struct {
	rows []featurestore.Record
}

func (m *memoryFeatures) Append(_ context.Context, records []featurestore.Record) error {
	m.rows = append(m.rows, records...)
	return nil
}

// flipSnapshot builds a snapshot whose daily trend just flipped to trend,
// with every secondary timeframe agreeing
func flipSnapshot(asset string, trend indicator.Trend) *analysis.Snapshot {
	return &analysis.Snapshot{
		Asset:   asset,
		Primary: marketdata.TF1d,
		Readings: []analysis.TimeframeReading{
			{Timeframe: marketdata.TF6h, Trend: trend},
			{Timeframe: marketdata.TF12h, Trend: trend},
			{
				Timeframe:        marketdata.TF1d,
				Trend:            trend,
				CandlesSinceFlip: 1,
				BarTime:          flipTime,
				LastFlip: &indicator.FlipEvent{
					Asset:     asset,
					Timeframe: marketdata.TF1d,
					Timestamp: flipTime,
					From:      trend.Opposite(),
					To:        trend,
				},
			},
		},
		Features: analysis.Features{{Name: "trend_1d", Value: float64(trend)}},
	}
}

type harness struct {
	ctrl   *Controller
	agg    *fakeAggregator
	exec   *fakeExecutor
	ledger *signal.MemoryLedger
}

func newHarness(assets []string, reentry bool) *harness {
	agg := &fakeAggregator{snaps: map[string]*analysis.Snapshot{}, errs: map[string]error{}}
	exec := &fakeExecutor{outcomes: map[string]position.OutcomeKind{}}
	ledger := signal.NewMemoryLedger()
	gate := signal.NewGate(ledger, signal.GateConfig{MaxFlipAgeBars: 1, ReentryEnabled: reentry}, zerolog.Nop())
	ctrl := NewController(Config{Assets: assets, Parallelism: 2, Timeout: 5 * time.Second}, agg, gate, exec, zerolog.Nop())
	return &harness{ctrl: ctrl, agg: agg, exec: exec, ledger: ledger}
}

func flipKey(asset string) signal.FlipKey {
	return signal.FlipKey{Asset: asset, Timeframe: marketdata.TF1d, FlipTime: flipTime, Stage: signal.StageFlip}
}

func TestRunCycle_FiresOncePerFlip(t *testing.T) {
	h := newHarness([]string{"BTCUSDT"}, false)
	h.agg.set("BTCUSDT", flipSnapshot("BTCUSDT", indicator.TrendGreen))

	summary, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	got := summary.Assets[0]
	if !got.Fired || got.Basis != signal.BasisMajority {
		t.Fatalf("Expected majority-fired verdict, got %+v", got)
	}
	if got.OldTrend != indicator.TrendRed || got.NewTrend != indicator.TrendGreen {
		t.Errorf("Expected RED -> GREEN, got %s -> %s", got.OldTrend, got.NewTrend)
	}
	if got.Settlement != SettlementCompleted {
		t.Errorf("Expected completed settlement, got %q", got.Settlement)
	}

	entry, err := h.ledger.Get(context.Background(), flipKey("BTCUSDT"))
	if err != nil || entry.Status != signal.StatusCompleted {
		t.Fatalf("Expected completed ledger entry, got %+v, %v", entry, err)
	}

	summary, _ = h.ctrl.RunCycle(context.Background())
	if summary.Assets[0].Verdict != signal.DecisionAlreadyHandled {
		t.Errorf("Expected ALREADY_HANDLED on the second cycle, got %s", summary.Assets[0].Verdict)
	}
	if h.exec.callCount() != 1 {
		t.Errorf("Expected exactly one order attempt, got %d", h.exec.callCount())
	}
}

func TestRunCycle_FailedOrderHoldsClaimUntilRearm(t *testing.T) {
	h := newHarness([]string{"ETHUSDT"}, false)
	h.agg.set("ETHUSDT", flipSnapshot("ETHUSDT", indicator.TrendRed))
	h.exec.outcomes["ETHUSDT"] = position.OutcomeFailed

	summary, _ := h.ctrl.RunCycle(context.Background())
	if summary.Failed != 1 || summary.Assets[0].Settlement != SettlementHeld {
		t.Fatalf("Expected held failure, got %+v", summary.Assets[0])
	}
	entry, err := h.ledger.Get(context.Background(), flipKey("ETHUSDT"))
	if err != nil {
		t.Fatalf("Expected claim kept, got %v", err)
	}
	if entry.Outcome != string(position.OutcomeFailed) {
		t.Errorf("Expected FAILED outcome in the ledger, got %q", entry.Outcome)
	}

	for i := 0; i < 2; i++ {
		summary, _ = h.ctrl.RunCycle(context.Background())
		if summary.Assets[0].Verdict != signal.DecisionAlreadyHandled {
			t.Errorf("Expected ALREADY_HANDLED on cycle %d, got %s", i+2, summary.Assets[0].Verdict)
		}
	}
	if h.exec.callCount() != 1 {
		t.Fatalf("Expected one order attempt before rearm, got %d", h.exec.callCount())
	}

	if err := h.ctrl.gate.Rearm(context.Background(), flipKey("ETHUSDT")); err != nil {
		t.Fatalf("Expected rearm, got %v", err)
	}
	h.exec.outcomes["ETHUSDT"] = position.OutcomeOpened
	summary, _ = h.ctrl.RunCycle(context.Background())
	if !summary.Assets[0].Fired || h.exec.callCount() != 2 {
		t.Errorf("Expected the flip fired again after rearm, got %+v after %d calls", summary.Assets[0], h.exec.callCount())
	}
}

func TestRunCycle_DeadlineBeforeExecutionReleasesClaim(t *testing.T) {
	h := newHarness([]string{"BTCUSDT"}, false)
	h.agg.set("BTCUSDT", flipSnapshot("BTCUSDT", indicator.TrendGreen))

	verdict, err := h.ctrl.gate.Evaluate(context.Background(), signal.Observation{
		CycleID:       "c1",
		Snapshot:      flipSnapshot("BTCUSDT", indicator.TrendGreen),
		PredictionErr: ml.ErrModelUnavailable,
	})
	if err != nil || !verdict.Fired {
		t.Fatalf("Expected fired verdict, got %+v, %v", verdict, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var s AssetSummary
	h.ctrl.execute(ctx, zerolog.Nop(), verdict, &s)

	if h.exec.callCount() != 0 {
		t.Errorf("Expected no order after the deadline, got %d", h.exec.callCount())
	}
	if s.Settlement != SettlementAbandoned {
		t.Errorf("Expected abandoned settlement, got %q", s.Settlement)
	}
	if _, err := h.ledger.Get(context.Background(), flipKey("BTCUSDT")); !errors.Is(err, signal.ErrEntryNotFound) {
		t.Errorf("Expected claim released, got %v", err)
	}
}

func TestRunCycle_OpenBreakerAbandons(t *testing.T) {
	h := newHarness([]string{"SOLUSDT"}, false)
	h.agg.set("SOLUSDT", flipSnapshot("SOLUSDT", indicator.TrendGreen))

	cb := circuit.NewCircuitBreaker(circuit.CircuitBreakerConfig{Enabled: true, MaxConsecutiveFailures: 1, CooldownMinutes: 60})
	cb.RecordOrder(false)
	h.ctrl.SetCircuitBreaker(cb)

	summary, _ := h.ctrl.RunCycle(context.Background())
	if h.exec.callCount() != 0 {
		t.Errorf("Expected no order while the breaker is open, got %d", h.exec.callCount())
	}
	if summary.Assets[0].Settlement != SettlementAbandoned || summary.Assets[0].Error == "" {
		t.Errorf("Expected abandoned verdict with error, got %+v", summary.Assets[0])
	}
	if _, err := h.ledger.Get(context.Background(), flipKey("SOLUSDT")); !errors.Is(err, signal.ErrEntryNotFound) {
		t.Errorf("Expected claim released, got %v", err)
	}
}

func TestRunCycle_AssetFailureIsIsolated(t *testing.T) {
	h := newHarness([]string{"BTCUSDT", "ETHUSDT"}, false)
	h.agg.errs["BTCUSDT"] = analysis.ErrDataUnavailable
	h.agg.set("ETHUSDT", flipSnapshot("ETHUSDT", indicator.TrendGreen))

	summary, _ := h.ctrl.RunCycle(context.Background())
	if summary.Assets[0].Error == "" {
		t.Error("Expected BTCUSDT error in the summary")
	}
	if !summary.Assets[1].Fired {
		t.Errorf("Expected ETHUSDT to fire regardless, got %+v", summary.Assets[1])
	}
	if summary.Fired != 1 || summary.Failed != 1 || summary.Result() != "partial" {
		t.Errorf("Expected 1 fired / 1 failed / partial, got %d / %d / %s", summary.Fired, summary.Failed, summary.Result())
	}
}

func TestRunCycle_CloseThenReentry(t *testing.T) {
	h := newHarness([]string{"BTCUSDT"}, true)
	h.agg.set("BTCUSDT", flipSnapshot("BTCUSDT", indicator.TrendRed))
	h.exec.outcomes["BTCUSDT"] = position.OutcomeClosed

	h.ctrl.RunCycle(context.Background())
	h.exec.outcomes["BTCUSDT"] = position.OutcomeOpened

	summary, _ := h.ctrl.RunCycle(context.Background())
	got := summary.Assets[0]
	if !got.Fired || got.Basis != signal.BasisReentry {
		t.Fatalf("Expected re-entry verdict, got %+v", got)
	}

	summary, _ = h.ctrl.RunCycle(context.Background())
	if summary.Assets[0].Fired {
		t.Errorf("Expected no third order, got %+v", summary.Assets[0])
	}
	if h.exec.callCount() != 2 {
		t.Errorf("Expected close plus one re-entry, got %d orders", h.exec.callCount())
	}
}

func TestRunCycle_ReportsToSinks(t *testing.T) {
	h := newHarness([]string{"BTCUSDT"}, false)
	h.agg.set("BTCUSDT", flipSnapshot("BTCUSDT", indicator.TrendGreen))
	cycles := &memoryCycles{}
	features := &memoryFeatures{}
	h.ctrl.SetCycleStore(cycles)
	h.ctrl.SetFeatureSink(features)

	summary, _ := h.ctrl.RunCycle(context.Background())

	if len(cycles.records) != 1 || cycles.records[0].CycleID != summary.CycleID || cycles.records[0].Fired != 1 {
		t.Errorf("Expected persisted summary, got %+v", cycles.records)
	}
	if len(features.rows) != 1 || features.rows[0].Verdict != string(signal.DecisionFired) {
		t.Errorf("Expected one feature row with the verdict, got %+v", features.rows)
	}
	if h.ctrl.LastSummary() != summary {
		t.Error("Expected last summary retained")
	}
}

func TestRunCycle_NoOverlap(t *testing.T) {
	h := newHarness(nil, false)
	h.ctrl.cycleMu.Lock()
	defer h.ctrl.cycleMu.Unlock()

	if _, err := h.ctrl.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("Expected ErrCycleInProgress, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness([]string{"BTCUSDT"}, false)
	h.agg.set("BTCUSDT", flipSnapshot("BTCUSDT", indicator.TrendGreen))

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Expected start, got %v", err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	h.ctrl.Stop()
	if h.ctrl.IsRunning() {
		t.Error("Expected stopped controller")
	}
	if h.ctrl.LastSummary() == nil {
		t.Error("Expected the immediate cycle to have run before stop returned")
	}
}
