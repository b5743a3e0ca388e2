package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.RecordVerdict("FIRED")
	r.RecordVerdict("FIRED")
	r.RecordVerdict("DECLINED")
	r.RecordOrderOutcome("OPENED")
	r.SetGateState("BTCUSDT", 1)

	if got := testutil.ToFloat64(r.verdicts.WithLabelValues("FIRED")); got != 2 {
		t.Errorf("Expected 2 fired verdicts, got %v", got)
	}
	if got := testutil.ToFloat64(r.gateState.WithLabelValues("BTCUSDT")); got != 1 {
		t.Errorf("Expected gate state 1, got %v", got)
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.RecordCycle("ok", 2*time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `hilo_cycles_total{result="ok"} 1`) {
		t.Errorf("Expected cycle counter in exposition, got:\n%s", body)
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.RecordVerdict("FIRED")
	r.RecordCycle("ok", time.Second)
	r.SetGateState("ETHUSDT", 2)
	if r.Registry() != nil {
		t.Error("Expected nil registry")
	}
}
