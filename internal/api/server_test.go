package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	paused  bool
	killed  bool
	closedN int
}

func (f *fakeSupervisor) Status() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{"state": "run", "paused": f.paused}
}

func (f *fakeSupervisor) Pause(ctx context.Context) {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeSupervisor) Resume(ctx context.Context) {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeSupervisor) CloseAll(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedN
}

func (f *fakeSupervisor) Kill(ctx context.Context) {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
}

type fakeEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeEvents) InsertWebhookEvent(ctx context.Context, eventID, source string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func testServer(t *testing.T, metrics bool) (*Server, *fakeSupervisor) {
	t.Helper()
	sup := &fakeSupervisor{closedN: 2}
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, MetricsEnabled: metrics, ProductionMode: true}, sup, &fakeEvents{}, zerolog.Nop())
	return srv, sup
}

func doRequest(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t, false)
	w := doRequest(srv, http.MethodGet, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t, false)
	w := doRequest(srv, http.MethodGet, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data["state"] != "run" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestPauseResumeFlow(t *testing.T) {
	srv, sup := testServer(t, false)

	if w := doRequest(srv, http.MethodPost, "/api/v1/control/pause"); w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	if !sup.paused {
		t.Fatal("pause must reach the supervisor")
	}

	if w := doRequest(srv, http.MethodPost, "/api/v1/control/resume"); w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
	if sup.paused {
		t.Fatal("resume must reach the supervisor")
	}
}

func TestCloseAllReportsCount(t *testing.T) {
	srv, _ := testServer(t, false)
	w := doRequest(srv, http.MethodPost, "/api/v1/control/close_all")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data struct {
			Closed int `json:"closed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Closed != 2 {
		t.Fatalf("closed = %d, want 2", body.Data.Closed)
	}
}

func TestKillEndpoint(t *testing.T) {
	srv, sup := testServer(t, false)
	if w := doRequest(srv, http.MethodPost, "/api/v1/control/kill"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !sup.killed {
		t.Fatal("kill must reach the supervisor")
	}
}

func TestMetricsEndpointToggle(t *testing.T) {
	withMetrics, _ := testServer(t, true)
	if w := doRequest(withMetrics, http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}

	withoutMetrics, _ := testServer(t, false)
	if w := doRequest(withoutMetrics, http.MethodGet, "/metrics"); w.Code != http.StatusNotFound {
		t.Fatalf("disabled metrics status = %d", w.Code)
	}
}

func TestWebhookDedup(t *testing.T) {
	srv, _ := testServer(t, false)
	body := `{"event_id":"evt-1","source":"broker","data":{"k":"v"}}`

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)
		return w
	}

	first := post()
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", first.Code)
	}
	var resp struct {
		Data struct {
			Processed bool `json:"processed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.Processed {
		t.Fatal("first delivery must process")
	}

	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", second.Code)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Processed {
		t.Fatal("redelivery must be ignored")
	}
}

func TestWebhookRejectsMissingEventID(t *testing.T) {
	srv, _ := testServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", strings.NewReader(`{"source":"broker"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d must be allowed", i)
		}
	}
	if rl.Allow("k") {
		t.Fatal("fourth request in the window must be rejected")
	}
	if !rl.Allow("other") {
		t.Fatal("keys are limited independently")
	}
}
