package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/auth"
	"hilo-trend-engine/internal/autopilot"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/events"
	"hilo-trend-engine/internal/indicator"
	"hilo-trend-engine/internal/marketdata"
	"hilo-trend-engine/internal/metrics"
	"hilo-trend-engine/internal/optimizer"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

type fakeCycles struct {
	mu     sync.Mutex
	last   *autopilot.CycleSummary
	err    error
	runs   int
	assets []string
}

func (f *fakeCycles) RunCycle(ctx context.Context) (*autopilot.CycleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.err != nil {
		return nil, f.err
	}
	f.last = &autopilot.CycleSummary{CycleID: fmt.Sprintf("cycle-%d", f.runs), Fired: 1}
	return f.last, nil
}

func (f *fakeCycles) LastSummary() *autopilot.CycleSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeCycles) Assets() []string { return f.assets }

type fakeHistory struct {
	rec   *database.CycleRecord
	limit int
}

func (f *fakeHistory) LatestCycle(ctx context.Context) (*database.CycleRecord, error) {
	return f.rec, nil
}

func (f *fakeHistory) ListCycles(ctx context.Context, limit int) ([]database.CycleRecord, error) {
	f.limit = limit
	if f.rec == nil {
		return nil, nil
	}
	return []database.CycleRecord{*f.rec}, nil
}

type fakePositions struct {
	positions []position.Position
	closed    []string
	fail      bool
}

func (f *fakePositions) Positions(ctx context.Context) ([]position.Position, error) {
	return f.positions, nil
}

func (f *fakePositions) Close(ctx context.Context, asset string) position.OrderOutcome {
	f.closed = append(f.closed, asset)
	if f.fail {
		return position.OrderOutcome{Asset: asset, Kind: position.OutcomeFailed, Reason: "exchange down"}
	}
	return position.OrderOutcome{Asset: asset, Kind: position.OutcomeClosed, Side: position.SideLong, Quantity: 0.5}
}

type fakeOptimizer struct {
	err error
}

func (f *fakeOptimizer) OptimizeAsset(ctx context.Context, asset string) (*optimizer.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &optimizer.Outcome{Asset: asset, CurrentPeriod: 14, BestPeriod: 20, Recommend: true}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	return NewServer(ServerConfig{AllowedOrigins: []string{"*"}}, deps, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Dependencies{Health: []HealthCheck{
		{Name: "ledger", Check: func(ctx context.Context) error { return nil }},
	}})
	w, _ := do(t, s, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	s = newTestServer(t, Dependencies{Health: []HealthCheck{
		{Name: "ledger", Check: func(ctx context.Context) error { return errors.New("down") }},
	}})
	w, _ = do(t, s, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := metrics.New()
	rec.RecordVerdict("FIRED")
	s := newTestServer(t, Dependencies{Metrics: rec})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hilo_verdicts_total") {
		t.Error("Expected verdict counter in metrics output")
	}
}

func TestCycles(t *testing.T) {
	cycles := &fakeCycles{assets: []string{"BTCUSDT"}}
	history := &fakeHistory{rec: &database.CycleRecord{CycleID: "stored", Payload: json.RawMessage(`{"cycle_id":"stored"}`)}}
	s := newTestServer(t, Dependencies{Cycles: cycles, History: history})

	w, env := do(t, s, http.MethodGet, "/api/cycles/last", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), "stored") {
		t.Errorf("Expected persisted cycle before any run, got %d %s", w.Code, env.Data)
	}

	w, env = do(t, s, http.MethodPost, "/api/cycles", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var summary autopilot.CycleSummary
	json.Unmarshal(env.Data, &summary)
	if summary.CycleID != "cycle-1" {
		t.Errorf("Expected cycle-1, got %s", summary.CycleID)
	}

	_, env = do(t, s, http.MethodGet, "/api/cycles/last", nil, "")
	if !strings.Contains(string(env.Data), "cycle-1") {
		t.Errorf("Expected in-memory summary, got %s", env.Data)
	}

	cycles.err = autopilot.ErrCycleInProgress
	w, _ = do(t, s, http.MethodPost, "/api/cycles", nil, "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for overlapping cycle, got %d", w.Code)
	}

	w, env = do(t, s, http.MethodGet, "/api/cycles?limit=5", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), "stored") {
		t.Errorf("Expected cycle history, got %d %s", w.Code, env.Data)
	}
	if history.limit != 5 {
		t.Errorf("Expected limit 5, got %d", history.limit)
	}

	w, _ = do(t, s, http.MethodGet, "/api/cycles?limit=0", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestLastCycle_NoneYet(t *testing.T) {
	s := newTestServer(t, Dependencies{Cycles: &fakeCycles{}})
	w, _ := do(t, s, http.MethodGet, "/api/cycles/last", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestPositions(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventOrderOutcome, func(e events.Event) { got <- e })

	positions := &fakePositions{positions: []position.Position{{Asset: "BTCUSDT", Side: position.SideLong, Quantity: 0.5}}}
	s := newTestServer(t, Dependencies{Positions: positions, Bus: bus})

	w, env := do(t, s, http.MethodGet, "/api/positions", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), "BTCUSDT") {
		t.Errorf("Expected BTCUSDT position, got %d %s", w.Code, env.Data)
	}

	w, _ = do(t, s, http.MethodPost, "/api/positions/btcusdt/close", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if len(positions.closed) != 1 || positions.closed[0] != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT closed, got %v", positions.closed)
	}
	select {
	case e := <-got:
		if e.Data["asset"] != "BTCUSDT" {
			t.Errorf("Expected BTCUSDT event, got %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Error("Expected an order outcome event")
	}

	positions.fail = true
	w, _ = do(t, s, http.MethodPost, "/api/positions/ETHUSDT/close", nil, "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for failed close, got %d", w.Code)
	}
}

func TestGateAndLedger(t *testing.T) {
	ledger := signal.NewMemoryLedger()
	gate := signal.NewGate(ledger, signal.GateConfig{}, zerolog.Nop())
	flip := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	key := signal.FlipKey{Asset: "BTCUSDT", Timeframe: marketdata.TF1d, FlipTime: flip, Stage: signal.StageFlip}
	if err := ledger.Claim(context.Background(), signal.LedgerEntry{Key: key, Status: signal.StatusClaimed, Direction: indicator.TrendGreen, CycleID: "c1", ClaimedAt: flip}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	s := newTestServer(t, Dependencies{Gate: gate, Cycles: &fakeCycles{assets: []string{"BTCUSDT"}}})

	w, env := do(t, s, http.MethodGet, "/api/gate/BTCUSDT", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), string(signal.StateIdle)) {
		t.Errorf("Expected IDLE status, got %d %s", w.Code, env.Data)
	}
	w, _ = do(t, s, http.MethodGet, "/api/gate/DOGEUSDT", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unmonitored asset, got %d", w.Code)
	}

	w, env = do(t, s, http.MethodGet, "/api/ledger/BTCUSDT?limit=10", nil, "")
	var entries []signal.LedgerEntry
	json.Unmarshal(env.Data, &entries)
	if w.Code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("Expected one ledger entry, got %d %s", w.Code, env.Data)
	}
	w, _ = do(t, s, http.MethodGet, "/api/ledger/BTCUSDT?limit=-1", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing flip time", map[string]interface{}{"asset": "BTCUSDT", "timeframe": "1d"}, http.StatusBadRequest},
		{"bad stage", map[string]interface{}{"asset": "BTCUSDT", "timeframe": "1d", "flip_time": flip, "stage": "late"}, http.StatusBadRequest},
		{"rearm", map[string]interface{}{"asset": "btcusdt", "timeframe": "1d", "flip_time": flip}, http.StatusOK},
		{"already rearmed", map[string]interface{}{"asset": "BTCUSDT", "timeframe": "1d", "flip_time": flip}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/ledger/rearm", tt.body, "")
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	if _, err := ledger.Get(context.Background(), key); !errors.Is(err, signal.ErrEntryNotFound) {
		t.Errorf("Expected entry deleted, got %v", err)
	}
}

func TestOptimize(t *testing.T) {
	opt := &fakeOptimizer{}
	s := newTestServer(t, Dependencies{Optimizer: opt})

	w, env := do(t, s, http.MethodPost, "/api/optimize/ETHUSDT", nil, "")
	var outcome optimizer.Outcome
	json.Unmarshal(env.Data, &outcome)
	if w.Code != http.StatusOK || outcome.BestPeriod != 20 {
		t.Errorf("Expected best period 20, got %d %+v", w.Code, outcome)
	}

	opt.err = fmt.Errorf("%w: ETHUSDT has 10 bars", optimizer.ErrInsufficientData)
	w, _ = do(t, s, http.MethodPost, "/api/optimize/ETHUSDT", nil, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", w.Code)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	s := newTestServer(t, Dependencies{})
	for _, path := range []string{"/api/positions", "/api/gate/BTCUSDT", "/api/ledger/BTCUSDT"} {
		w, _ := do(t, s, http.MethodGet, path, nil, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503 for %s, got %d", path, w.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	jwtm := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "hilo-test", time.Hour)
	viewer, _ := jwtm.GenerateToken(auth.OperatorClaims{Operator: "bob", Role: auth.RoleViewer})
	op, _ := jwtm.GenerateToken(auth.OperatorClaims{Operator: "alice", Role: auth.RoleOperator})

	s := newTestServer(t, Dependencies{JWT: jwtm, Cycles: &fakeCycles{}})

	if w, _ := do(t, s, http.MethodGet, "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected open health endpoint, got %d", w.Code)
	}
	if w, _ := do(t, s, http.MethodPost, "/api/cycles", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w, _ := do(t, s, http.MethodPost, "/api/cycles", nil, viewer.AccessToken); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for viewer, got %d", w.Code)
	}
	if w, _ := do(t, s, http.MethodPost, "/api/cycles", nil, op.AccessToken); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for operator, got %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewEventBus()
	s := newTestServer(t, Dependencies{Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Expected websocket connection, got %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	bus.PublishGateState("BTCUSDT", "FIRED")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected an event, got %v", err)
	}
	var e events.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if e.Type != events.EventGateState || e.Data["asset"] != "BTCUSDT" {
		t.Errorf("Expected gate state event for BTCUSDT, got %+v", e)
	}
}
