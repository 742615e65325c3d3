// Package metrics exposes Prometheus instrumentation for Helena.
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "helena"

// Collector owns a private registry and the metric vectors recorded by
// the orchestrator, the code generator and the HTTP layer.
type Collector struct {
	registry *prometheus.Registry

	MessagesProcessed   *prometheus.CounterVec
	RejectedTransitions *prometheus.CounterVec
	Handoffs            *prometheus.CounterVec
	RisksMaterialized   prometheus.Counter
	CodesGenerated      *prometheus.CounterVec
	CounterRetries      prometheus.Counter
	ProcessingDuration  *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
}

// NewCollector creates a Collector registered under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Chat messages processed, by product and outcome",
		}, []string{"product", "outcome"}),
		RejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_transitions_total",
			Help:      "Turns whose input was rejected and re-prompted, by product and state",
		}, []string{"product", "state"}),
		Handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Product hand-offs, by source and target",
		}, []string{"source", "target"}),
		RisksMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risks_materialized_total",
			Help:      "Draft risk records created",
		}),
		CodesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_generated_total",
			Help:      "Hierarchical codes generated, by kind",
		}, []string{"kind"}),
		CounterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_retries_total",
			Help:      "Counter increments retried after a conflict",
		}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time spent processing one chat message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"product"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code",
		}, []string{"route", "status_code"}),
	}
	reg.MustRegister(
		c.MessagesProcessed,
		c.RejectedTransitions,
		c.Handoffs,
		c.RisksMaterialized,
		c.CodesGenerated,
		c.CounterRetries,
		c.ProcessingDuration,
		c.HTTPRequests,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordMessage records one processed message.
func (c *Collector) RecordMessage(product, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.MessagesProcessed.WithLabelValues(product, outcome).Inc()
	c.ProcessingDuration.WithLabelValues(product).Observe(d.Seconds())
}

// RecordRejected records a re-prompted turn.
func (c *Collector) RecordRejected(product, state string) {
	if c == nil {
		return
	}
	c.RejectedTransitions.WithLabelValues(product, state).Inc()
}

// RecordHandoff records a product switch.
func (c *Collector) RecordHandoff(source, target string) {
	if c == nil {
		return
	}
	c.Handoffs.WithLabelValues(source, target).Inc()
}

// RecordRisks adds n newly created risk records.
func (c *Collector) RecordRisks(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RisksMaterialized.Add(float64(n))
}

// RecordCode records one generated code of the given kind.
func (c *Collector) RecordCode(kind string) {
	if c == nil {
		return
	}
	c.CodesGenerated.WithLabelValues(kind).Inc()
}

// RecordCounterRetry records one retried counter increment.
func (c *Collector) RecordCounterRetry() {
	if c == nil {
		return
	}
	c.CounterRetries.Inc()
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(route string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
