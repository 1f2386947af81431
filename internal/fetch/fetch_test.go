package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/metrics"
)

var testMetrics = metrics.NewCollector("fetchtest")

func testConfig() config.FetcherConfig {
	return config.FetcherConfig{
		TimeoutMs:    2000,
		Retries:      3,
		RetryDelayMs: 10,
		UserAgent:    "Mozilla/5.0",
		MaxBodyBytes: 1024 * 1024,
	}
}

func newTestFetcher(t *testing.T, cfg config.FetcherConfig) *Fetcher {
	t.Helper()
	f, err := NewFetcher(cfg, testMetrics)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetch_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ss://abc@1.2.3.4:8388\n"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, testConfig())
	body, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ss://abc@1.2.3.4:8388\n" {
		t.Fatalf("body=%q", body)
	}
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, testConfig())
	body, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body=%q, want ok", body)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want=3", got)
	}
}

func TestFetch_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	f := newTestFetcher(t, testConfig())
	_, err := f.Fetch(context.Background(), ts.URL)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "HTTP 502") {
		t.Fatalf("err=%v, want last HTTP status wrapped", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want=3", got)
	}
}

func TestFetch_SetsUserAgent(t *testing.T) {
	var gotUA atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := newTestFetcher(t, testConfig())
	if _, err := f.Fetch(context.Background(), ts.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ua, _ := gotUA.Load().(string); ua != "Mozilla/5.0" {
		t.Fatalf("user-agent=%q, want Mozilla/5.0", ua)
	}
}

func TestFetch_BodyCapped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 10
	f := newTestFetcher(t, cfg)
	body, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) != 10 {
		t.Fatalf("len=%d, want=10", len(body))
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(t, testConfig())
	if _, err := f.Fetch(ctx, ts.URL); err == nil {
		t.Fatal("expected error with canceled context")
	}
}
