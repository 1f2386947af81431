// Package evaluator runs the per-subscription pipeline: fetch, decode,
// classify, extract nodes, and judge validity.
package evaluator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/fetch"
	"github.com/sub-aggregator-api/internal/manifest"
	"github.com/sub-aggregator-api/internal/metrics"
	"github.com/sub-aggregator-api/internal/payload"
	"github.com/sub-aggregator-api/internal/protocol"
	"github.com/sub-aggregator-api/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type Evaluator struct {
	config  config.EvaluatorConfig
	fetcher *fetch.Fetcher
	metrics *metrics.Collector

	// Collapses concurrent fetches of duplicate subscription URLs.
	group singleflight.Group
}

// Result is one subscription's evaluation outcome.
type Result struct {
	Subscription types.Subscription
	Nodes        []protocol.Node
}

func New(cfg config.EvaluatorConfig, fetcher *fetch.Fetcher, metricsCollector *metrics.Collector) *Evaluator {
	return &Evaluator{
		config:  cfg,
		fetcher: fetcher,
		metrics: metricsCollector,
	}
}

// EvaluateAll evaluates every subscription through a bounded worker pool.
// Each worker writes only its own slot; the merge happens after all
// workers have finished. Results keep the input order, so the final
// deduplicated node sequence is deterministic: subscription order first,
// in-document order second, first occurrence wins.
func (e *Evaluator) EvaluateAll(ctx context.Context, urls []string) ([]Result, []protocol.Node) {
	results := make([]Result, len(urls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, url := range urls {
		sem <- struct{}{}
		wg.Add(1)

		go func(slot int, subURL string) {
			defer wg.Done()
			defer func() { <-sem }()

			results[slot] = e.Evaluate(ctx, subURL)
		}(i, url)
	}

	wg.Wait()

	var all []protocol.Node
	for _, r := range results {
		all = append(all, r.Nodes...)
	}
	unique := protocol.Deduplicate(all)

	log.Infof("Deduplicated: %d -> %d unique nodes", len(all), len(unique))
	return results, unique
}

// Evaluate runs the pipeline for a single subscription. A subscription is
// valid iff it yields at least one node; a fetch failure is recorded
// distinctly from an empty parse, though both are invalid.
func (e *Evaluator) Evaluate(ctx context.Context, url string) Result {
	start := time.Now()
	sub := types.Subscription{URL: url, State: types.StateUnknown, CheckedAt: start}

	raw, err := e.fetchShared(ctx, url)
	if err != nil {
		sub.State = types.StateInvalid
		sub.FetchError = err.Error()
		e.metrics.RecordSubscription("fetch_failed")
		e.metrics.RecordEvalDuration(time.Since(start).Seconds())
		return Result{Subscription: sub}
	}

	nodes := e.ExtractNodes(raw)
	sub.NodeCount = len(nodes)
	if len(nodes) > 0 {
		sub.State = types.StateValid
		e.metrics.RecordSubscription("valid")
	} else {
		sub.State = types.StateInvalid
		e.metrics.RecordSubscription("empty")
		log.WithField("url", url).Warn("Subscription fetched but yielded no nodes")
	}

	e.metrics.RecordEvalDuration(time.Since(start).Seconds())
	return Result{Subscription: sub, Nodes: nodes}
}

func (e *Evaluator) fetchShared(ctx context.Context, url string) ([]byte, error) {
	v, err, _ := e.group.Do(url, func() (interface{}, error) {
		return e.fetcher.Fetch(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ExtractNodes turns one raw payload into its node sequence:
// base64 cascade, shape classification, then manifest extraction or
// line-by-line protocol parsing. No failure here is fatal; a manifest
// that does not parse falls back to plain-line parsing of the same text.
func (e *Evaluator) ExtractNodes(raw []byte) []protocol.Node {
	text, decoded := payload.Decode(raw)
	if decoded {
		e.metrics.RecordPayloadShape("base64")
	} else {
		e.metrics.RecordPayloadShape("plain")
	}

	shape, key := payload.Classify(text)
	if shape == payload.ShapeManifest {
		e.metrics.RecordPayloadShape("manifest")

		res, err := manifest.Extract(text)
		if err != nil {
			e.metrics.RecordManifestFallback()
			log.Debugf("Manifest parse failed (key %q), falling back to line parsing: %v", key, err)
			return e.parseLines(text)
		}
		for i := 0; i < res.SkippedEntries; i++ {
			e.metrics.RecordEntrySkipped()
		}
		for i := 0; i < res.Providers; i++ {
			e.metrics.RecordProviderIgnored()
		}
		for _, n := range res.Nodes {
			e.metrics.RecordNodeParsed(string(n.Scheme))
		}
		if len(res.Nodes) > 0 {
			return res.Nodes
		}
		// Node-list key absent or empty: classification was a false
		// positive, treat the document as plain lines.
		e.metrics.RecordManifestFallback()
	}

	return e.parseLines(text)
}

func (e *Evaluator) parseLines(text string) []protocol.Node {
	var nodes []protocol.Node
	for _, line := range splitLines(text) {
		node, err := protocol.ParseLine(line)
		if err != nil {
			var ue *protocol.UnparseableError
			if errors.As(err, &ue) {
				e.metrics.RecordUnparseableLine(string(ue.Scheme))
				log.Debugf("Dropping unparseable %s line", ue.Scheme)
			}
			continue
		}
		e.metrics.RecordNodeParsed(string(node.Scheme))
		nodes = append(nodes, node)
	}
	return nodes
}

func splitLines(text string) []string {
	lines := make([]string, 0, 64)
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
