package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/metrics"
	log "github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

// Fetcher retrieves raw subscription payloads over HTTP(S) with a bounded
// retry budget. Optionally dials through an upstream SOCKS5 proxy.
type Fetcher struct {
	config  config.FetcherConfig
	metrics *metrics.Collector
	client  *http.Client
}

func NewFetcher(cfg config.FetcherConfig, metricsCollector *metrics.Collector) (*Fetcher, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	if cfg.SocksProxy != "" {
		dialer, err := xproxy.SOCKS5("tcp", cfg.SocksProxy, nil, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %s: %w", cfg.SocksProxy, err)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		}
		log.Infof("Fetching through SOCKS5 proxy %s", cfg.SocksProxy)
	}

	return &Fetcher{
		config:  cfg,
		metrics: metricsCollector,
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
			Transport: transport,
		},
	}, nil
}

// Fetch performs one GET per attempt until a 2xx response is read or the
// retry budget is exhausted. The returned error wraps the last attempt's
// failure; callers treat it as a fetch failure, never as fatal.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.config.Retries; attempt++ {
		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		log.WithFields(log.Fields{
			"url":     url,
			"attempt": attempt,
			"retries": f.config.Retries,
		}).Warnf("Fetch attempt failed: %v", err)

		if attempt == f.config.Retries {
			break
		}
		f.metrics.RecordFetchRetry()

		select {
		case <-ctx.Done():
			f.metrics.RecordFetchFailure()
			return nil, ctx.Err()
		case <-time.After(time.Duration(f.config.RetryDelayMs) * time.Millisecond):
		}
	}

	f.metrics.RecordFetchFailure()
	return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
