package front

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

func newTestEngine(t *testing.T, settings ratelimit.Settings) (*gin.Engine, *ratelimit.ManualClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := ratelimit.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := ratelimit.NewManager(settings, ratelimit.WithClock(clock))
	t.Cleanup(func() { _ = manager.Close() })
	if err := manager.RegisterPolicy(ratelimit.Policy{Name: "api", Limit: 2, Window: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine := gin.New()
	RegisterFrontRoutes(engine, manager)
	return engine, clock
}

func postJSON(t *testing.T, engine *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAcquireDeniesWith429AndHeaders(t *testing.T) {
	engine, _ := newTestEngine(t, ratelimit.DefaultSettings())
	req := map[string]any{"policy": "api", "subject": []string{"alice"}}

	for i := 0; i < 2; i++ {
		if rec := postJSON(t, engine, "/v1/acquire", req); rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := postJSON(t, engine, "/v1/acquire", req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate limit headers %v", rec.Header())
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "1735689660" {
		t.Fatalf("expected reset at window end, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["allowed"] != false || body["retry_after_ms"] != float64(60000) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPeekAndReset(t *testing.T) {
	engine, _ := newTestEngine(t, ratelimit.DefaultSettings())
	req := map[string]any{"policy": "api", "subject": []string{"bob"}}

	postJSON(t, engine, "/v1/acquire", req)
	postJSON(t, engine, "/v1/acquire", req)

	rec := postJSON(t, engine, "/v1/peek", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected peek 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["allowed"] != false {
		t.Fatalf("expected peek to report denial, got %v", body)
	}

	if rec = postJSON(t, engine, "/v1/reset", req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected reset 204, got %d", rec.Code)
	}
	if rec = postJSON(t, engine, "/v1/acquire", req); rec.Code != http.StatusOK {
		t.Fatalf("expected acquire after reset, got %d", rec.Code)
	}
}

func TestAcquireErrors(t *testing.T) {
	engine, _ := newTestEngine(t, ratelimit.DefaultSettings())

	cases := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown policy", body: map[string]any{"policy": "missing"}, want: http.StatusNotFound},
		{name: "negative cost", body: map[string]any{"policy": "api", "cost": -1}, want: http.StatusBadRequest},
		{name: "missing policy", body: map[string]any{"subject": []string{"x"}}, want: http.StatusBadRequest},
		{name: "wrong type", body: map[string]any{"policy": 7}, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := postJSON(t, engine, "/v1/acquire", tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAcquireFailClosedAnswers503(t *testing.T) {
	settings := ratelimit.DefaultSettings()
	settings.Backend = ratelimit.BackendRedis
	settings.FailureMode = ratelimit.FailClosed
	engine, _ := newTestEngine(t, settings)

	rec := postJSON(t, engine, "/v1/acquire", map[string]any{"policy": "api", "subject": []string{"alice"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestAcquireFailOpenAdmits(t *testing.T) {
	settings := ratelimit.DefaultSettings()
	settings.Backend = ratelimit.BackendRedis
	settings.FailureMode = ratelimit.FailOpen
	engine, _ := newTestEngine(t, settings)

	rec := postJSON(t, engine, "/v1/acquire", map[string]any{"policy": "api", "subject": []string{"alice"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["fallback"] != true {
		t.Fatalf("expected fallback flag, got %v", body)
	}
}
