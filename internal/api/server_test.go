package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/metrics"
	"github.com/sub-aggregator-api/internal/snapshot"
	"github.com/sub-aggregator-api/internal/storage"
	"github.com/sub-aggregator-api/internal/types"
)

var testMetrics = metrics.NewCollector("apitest")

type stubRunner struct {
	calls atomic.Int32
}

func (r *stubRunner) RunOnce(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *snapshot.Manager, *stubRunner) {
	t.Helper()
	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "snapshot.json"))
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	snap := snapshot.NewManager(store, 0)
	runner := &stubRunner{}
	return NewServer(cfg, snap, testMetrics, runner), snap, runner
}

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Metrics.Enabled = false
	return cfg
}

func doRequest(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, baseConfig())
	w := doRequest(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body=%q, want ok", w.Body.String())
	}
}

func TestNodes_EmptySnapshot(t *testing.T) {
	s, _, _ := newTestServer(t, baseConfig())
	w := doRequest(s, http.MethodGet, "/nodes", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=503", w.Code)
	}
}

func TestNodes_PlainText(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update([]string{"trojan://pw@a:443", "ss://x@b:8388"}, nil, types.Stats{UniqueNodes: 2})

	w := doRequest(s, http.MethodGet, "/nodes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}
	if w.Body.String() != "trojan://pw@a:443\nss://x@b:8388\n" {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestNodes_JSONAndLimit(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update([]string{"a://1", "b://2", "c://3"}, nil, types.Stats{})

	w := doRequest(s, http.MethodGet, "/nodes?format=json&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}

	var resp struct {
		Total int      `json:"total"`
		Count int      `json:"count"`
		Nodes []string `json:"nodes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 3 || resp.Count != 2 || len(resp.Nodes) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestNodes_AcceptHeaderSelectsJSON(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update([]string{"a://1"}, nil, types.Stats{})

	w := doRequest(s, http.MethodGet, "/nodes", map[string]string{"Accept": "application/json"})
	if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q, want json", w.Header().Get("Content-Type"))
	}
}

func TestNodes_InvalidLimit(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update([]string{"a://1"}, nil, types.Stats{})

	w := doRequest(s, http.MethodGet, "/nodes?limit=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want=400", w.Code)
	}
}

func TestSubscriptions_StateFilter(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update(nil, []types.Subscription{
		{URL: "https://a.example/sub", State: types.StateValid, NodeCount: 3},
		{URL: "https://b.example/sub", State: types.StateInvalid, FetchError: "HTTP 502"},
	}, types.Stats{})

	w := doRequest(s, http.MethodGet, "/subscriptions?state=invalid", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}

	var resp struct {
		Count         int                  `json:"count"`
		Subscriptions []types.Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || resp.Subscriptions[0].URL != "https://b.example/sub" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestStat(t *testing.T) {
	s, snap, _ := newTestServer(t, baseConfig())
	snap.Update([]string{"a://1"}, nil, types.Stats{
		TotalSubscriptions: 4,
		ValidSubscriptions: 3,
		TotalNodes:         10,
		UniqueNodes:        1,
		LastRunTime:        time.Now(),
	})

	w := doRequest(s, http.MethodGet, "/stat", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["total_subscriptions"].(float64) != 4 || resp["valid_subscriptions"].(float64) != 3 {
		t.Fatalf("resp=%v", resp)
	}
}

func TestReload_TriggersRunner(t *testing.T) {
	s, _, runner := newTestServer(t, baseConfig())

	w := doRequest(s, http.MethodPost, "/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("runner was not invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret")

	cfg := baseConfig()
	cfg.API.EnableAPIKeyAuth = true
	cfg.API.APIKeyEnv = "TEST_API_KEY"

	s, snap, _ := newTestServer(t, cfg)
	snap.Update([]string{"a://1"}, nil, types.Stats{})

	w := doRequest(s, http.MethodGet, "/nodes", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want=401", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/nodes", map[string]string{"X-Api-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want=401", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/nodes", map[string]string{"X-Api-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/nodes?key=secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200 via query key", w.Code)
	}

	// Health stays public
	w = doRequest(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d, want=200", w.Code)
	}
}

func TestRateLimiter_SharedPerKey(t *testing.T) {
	rl := NewRateLimiter(600)
	if rl.GetLimiter("1.2.3.4") != rl.GetLimiter("1.2.3.4") {
		t.Fatal("same key must share one limiter")
	}
	if rl.GetLimiter("1.2.3.4") == rl.GetLimiter("5.6.7.8") {
		t.Fatal("distinct keys must not share a limiter")
	}
}
