package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Subscription evaluation metrics
	subscriptionsTotal *prometheus.CounterVec
	fetchFailures      prometheus.Counter
	fetchRetries       prometheus.Counter
	evalDuration       prometheus.Histogram

	// Node extraction metrics
	nodesParsed       *prometheus.CounterVec
	linesUnparseable  *prometheus.CounterVec
	entriesSkipped    prometheus.Counter
	providersIgnored  prometheus.Counter
	payloadDecoded    *prometheus.CounterVec
	manifestFallbacks prometheus.Counter

	// Run results
	uniqueNodes        prometheus.Gauge
	validSubscriptions prometheus.Gauge

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		subscriptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_total",
				Help:      "Total number of subscription evaluations by result",
			},
			[]string{"result"},
		),
		fetchFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Total number of subscription fetches that exhausted retries",
			},
		),
		fetchRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Total number of fetch retry attempts",
			},
		),
		evalDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Per-subscription evaluation duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		nodesParsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_parsed_total",
				Help:      "Total number of nodes parsed by scheme",
			},
			[]string{"scheme"},
		),
		linesUnparseable: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lines_unparseable_total",
				Help:      "Lines that matched a scheme prefix but failed its parse rule",
			},
			[]string{"scheme"},
		),
		entriesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_entries_skipped_total",
				Help:      "Manifest node entries skipped for missing required fields",
			},
		),
		providersIgnored: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_providers_ignored_total",
				Help:      "proxy-provider references recognized but not dereferenced",
			},
		),
		payloadDecoded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payload_decoded_total",
				Help:      "Payload decode outcomes by shape (base64, plain, manifest)",
			},
			[]string{"shape"},
		),
		manifestFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_fallbacks_total",
				Help:      "Manifest classifications that fell back to plain-line parsing",
			},
		),
		uniqueNodes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unique_nodes",
				Help:      "Number of unique nodes after the last run's deduplication",
			},
		),
		validSubscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "valid_subscriptions",
				Help:      "Number of subscriptions that yielded at least one node",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordSubscription(result string) {
	c.subscriptionsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordFetchFailure() {
	c.fetchFailures.Inc()
}

func (c *Collector) RecordFetchRetry() {
	c.fetchRetries.Inc()
}

func (c *Collector) RecordEvalDuration(seconds float64) {
	c.evalDuration.Observe(seconds)
}

func (c *Collector) RecordNodeParsed(scheme string) {
	c.nodesParsed.WithLabelValues(scheme).Inc()
}

func (c *Collector) RecordUnparseableLine(scheme string) {
	c.linesUnparseable.WithLabelValues(scheme).Inc()
}

func (c *Collector) RecordEntrySkipped() {
	c.entriesSkipped.Inc()
}

func (c *Collector) RecordProviderIgnored() {
	c.providersIgnored.Inc()
}

func (c *Collector) RecordPayloadShape(shape string) {
	c.payloadDecoded.WithLabelValues(shape).Inc()
}

func (c *Collector) RecordManifestFallback() {
	c.manifestFallbacks.Inc()
}

func (c *Collector) SetUniqueNodes(count int) {
	c.uniqueNodes.Set(float64(count))
}

func (c *Collector) SetValidSubscriptions(count int) {
	c.validSubscriptions.Set(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
