// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service registers. Instances carry
// their own registry so tests never collide on a global one.
type Metrics struct {
	registry *prometheus.Registry

	// IngestTotal counts ingest runs by outcome ("ok" / "error").
	IngestTotal *prometheus.CounterVec

	// IngestDuration observes end-to-end ingest latency in seconds.
	IngestDuration prometheus.Histogram

	// PassagesIndexed counts chunks written to the vector index.
	PassagesIndexed prometheus.Counter

	// QueryTotal counts answer requests by outcome.
	QueryTotal *prometheus.CounterVec

	// QueryDuration observes full answer-stream latency in seconds.
	QueryDuration prometheus.Histogram

	// RetrievalPassages observes how many passages each query retrieved.
	RetrievalPassages prometheus.Histogram

	// ProviderErrors counts upstream provider failures by kind.
	ProviderErrors *prometheus.CounterVec
}

// New builds a Metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docbase",
			Name:      "ingest_total",
			Help:      "Document ingest runs by outcome.",
		}, []string{"outcome"}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docbase",
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end document ingest latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		PassagesIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docbase",
			Name:      "passages_indexed_total",
			Help:      "Chunks written to the vector index.",
		}),
		QueryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docbase",
			Name:      "query_total",
			Help:      "Answer requests by outcome.",
		}, []string{"outcome"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docbase",
			Name:      "query_duration_seconds",
			Help:      "Answer stream latency from request to final event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		RetrievalPassages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docbase",
			Name:      "retrieval_passages",
			Help:      "Passages retrieved per query.",
			Buckets:   prometheus.LinearBuckets(0, 2, 11),
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docbase",
			Name:      "provider_errors_total",
			Help:      "Upstream provider failures by error code.",
		}, []string{"code"}),
	}
}

// Handler serves the text exposition format for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
