package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *FuturesClientImpl {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewFuturesClient(ClientConfig{
		APIKey:            "key",
		SecretKey:         "secret",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Burst:             100,
	}, zerolog.Nop())
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestSignedRequest_SignatureAndHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/leverage" {
			t.Errorf("Expected POST /fapi/v1/leverage, got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "key" {
			t.Errorf("Expected api key header, got %q", got)
		}
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if idx < 0 {
			t.Errorf("Expected signature in query %q", raw)
			return
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(raw[:idx]))
		if want := hex.EncodeToString(mac.Sum(nil)); raw[idx+len("&signature="):] != want {
			t.Errorf("Expected signature %s, got %s", want, raw[idx+len("&signature="):])
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("leverage") != "5" || q.Get("timestamp") == "" {
			t.Errorf("Unexpected params %v", q)
		}
		_, _ = w.Write([]byte(`{"leverage":5,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`))
	})

	resp, err := c.SetLeverage(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Leverage != 5 || resp.Symbol != "BTCUSDT" {
		t.Errorf("Expected leverage 5 for BTCUSDT, got %+v", resp)
	}
}

func TestSetMarginType_UnchangedIsTypedError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})

	err := c.SetMarginType(context.Background(), "BTCUSDT", MarginTypeIsolated)
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if !apiErr.IsMarginTypeUnchanged() || apiErr.Status != http.StatusBadRequest {
		t.Errorf("Expected -4046 with status 400, got %+v", apiErr)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error; unable to process your request."}`))
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3120.55"}`))
	})

	price, err := c.GetFuturesCurrentPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 3120.55 {
		t.Errorf("Expected 3120.55, got %v", price)
	}
	if calls := atomic.LoadInt32(&calls); calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDoesNotRetryRejectedOrders(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})

	_, err := c.PlaceFuturesOrder(context.Background(), FuturesOrderParams{Symbol: "BTCUSDT", Side: "BUY", Type: FuturesOrderTypeMarket, Quantity: 0.01})
	if apiErr, ok := AsAPIError(err); !ok || apiErr.Code != -2019 {
		t.Errorf("Expected -2019 APIError, got %v", err)
	}
	if calls := atomic.LoadInt32(&calls); calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestRateLimitOpensBan(t *testing.T) {
	until := time.Now().Add(10 * time.Minute).UnixMilli()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Way too many requests; IP banned until ` + strconv.FormatInt(until, 10) + `."}`))
	})

	if _, err := c.GetFuturesCurrentPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("Expected rate limit error")
	}
	if got := c.limiter.BannedUntil(); got.UnixMilli() != until {
		t.Errorf("Expected ban until %d, got %d", until, got.UnixMilli())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.GetFuturesCurrentPrice(ctx, "BTCUSDT"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited while banned, got %v", err)
	}
}

func TestGetFuturesKlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "4h" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("signature") != "" {
			t.Error("Expected public request without signature")
		}
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","110.0","95.0","105.5","12.3",1700014399999,"0",10,"0","0","0"],
			[1700014400000,"105.5","106.0","101.0","102.0","8.0",1700028799999,"0",7,"0","0","0"]
		]`))
	})

	klines, err := c.GetFuturesKlines(context.Background(), "BTCUSDT", "4h", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("Expected 2 klines, got %d", len(klines))
	}
	if klines[0].OpenTime != 1700000000000 || klines[0].Close != 105.5 || klines[1].Low != 101 {
		t.Errorf("Unexpected klines %+v", klines)
	}
}

func TestParseBanUntil(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tests := []struct {
		msg  string
		want int64
	}{
		{"Way too many requests; IP banned until 1700000600000.", 1700000600000},
		{"IP banned until 1600000000000.", 0},
		{"Too many requests.", 0},
	}
	for _, tt := range tests {
		got := ParseBanUntil(tt.msg, now)
		if tt.want == 0 && !got.IsZero() {
			t.Errorf("%q: expected zero, got %v", tt.msg, got)
		}
		if tt.want != 0 && got.UnixMilli() != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.msg, tt.want, got.UnixMilli())
		}
	}
}
