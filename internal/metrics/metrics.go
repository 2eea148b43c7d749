// Package metrics exposes Prometheus instrumentation for the query pipeline and its servers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medrag"

// Metrics holds every collector on a private registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queries        *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	scoreDegraded  prometheus.Counter
	relevantChunks prometheus.Histogram
	httpRequests   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries by outcome (answered, no_relevant, error kind).",
		}, []string{"outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Corpus cache lookups by artifact (chunks, embeddings) and result (hit, miss, supplied).",
		}, []string{"artifact", "result"}),
		scoreDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_parse_degraded_total",
			Help:      "Scoring responses that fell back to the default score.",
		}),
		relevantChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relevant_chunks",
			Help:      "Chunks surviving the relevance filter per query.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveQuery counts a finished query.
func (m *Metrics) ObserveQuery(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(artifact, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(artifact, result).Inc()
}

// ObserveScores records one scoring pass.
func (m *Metrics) ObserveScores(degraded bool, relevant int) {
	if m == nil {
		return
	}
	if degraded {
		m.scoreDegraded.Inc()
	}
	m.relevantChunks.Observe(float64(relevant))
}

// ObserveHTTP counts a served request.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
