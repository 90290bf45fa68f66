package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkgsearch"

// Update pass outcomes, used as the status label.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
)

// Metrics holds the Prometheus collectors for one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	queries  *QueryStats

	UpdateRunsTotal     *prometheus.CounterVec
	UpdateDuration      prometheus.Histogram
	DocsIndexedTotal    *prometheus.CounterVec
	CheckpointTimestamp prometheus.Gauge
	IndexDocuments      prometheus.Gauge
	SearchQueriesTotal  *prometheus.CounterVec
	SearchLatency       *prometheus.HistogramVec
	SearchResultsCount  prometheus.Histogram
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
}

// New creates the collectors and registers them on a private registry,
// along with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries:  NewQueryStats(DefaultQueryStatsConfig()),
		UpdateRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_runs_total",
				Help:      "Index update passes by status (success, failed, in_progress).",
			},
			[]string{"status", "mode"},
		),
		UpdateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "update_duration_seconds",
				Help:      "Duration of successful index update passes in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "docs_indexed_total",
				Help:      "Documents written to the index by mode (replace, rebuild).",
			},
			[]string{"mode"},
		),
		CheckpointTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "checkpoint_timestamp_seconds",
				Help:      "Unix time of the last successful update checkpoint.",
			},
		),
		IndexDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_documents",
				Help:      "Number of documents in the package index.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_queries_total",
				Help:      "Search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Search latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_count",
				Help:      "Number of keys returned per search.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 500, 1000},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_cache_hits_total",
				Help:      "Searches answered from the result cache.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_cache_misses_total",
				Help:      "Searches that ran against the index.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UpdateRunsTotal,
		m.UpdateDuration,
		m.DocsIndexedTotal,
		m.CheckpointTimestamp,
		m.IndexDocuments,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Queries returns the in-process query summary, or nil for nil Metrics.
func (m *Metrics) Queries() *QueryStats {
	if m == nil {
		return nil
	}
	return m.queries
}

// ObserveUpdate records the outcome of one update pass.
// mode is "replace" or "rebuild"; docs is the number of documents written.
func (m *Metrics) ObserveUpdate(status, mode string, docs int, d time.Duration) {
	if m == nil {
		return
	}
	m.UpdateRunsTotal.WithLabelValues(status, mode).Inc()
	if status != StatusSuccess {
		return
	}
	m.UpdateDuration.Observe(d.Seconds())
	m.DocsIndexedTotal.WithLabelValues(mode).Add(float64(docs))
}

// SetCheckpoint publishes the current checkpoint. The zero time reads as 0.
func (m *Metrics) SetCheckpoint(t time.Time) {
	if m == nil {
		return
	}
	if t.IsZero() {
		m.CheckpointTimestamp.Set(0)
		return
	}
	m.CheckpointTimestamp.Set(float64(t.Unix()))
}

// SetIndexDocuments publishes the index size.
func (m *Metrics) SetIndexDocuments(n uint64) {
	if m == nil {
		return
	}
	m.IndexDocuments.Set(float64(n))
}

// ObserveSearch records one completed search, successful or not.
func (m *Metrics) ObserveSearch(query string, results int, latency time.Duration, cached bool, err error) {
	if m == nil {
		return
	}

	cacheStatus := "miss"
	if cached {
		cacheStatus = "hit"
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(latency.Seconds())

	switch {
	case err != nil:
		m.SearchQueriesTotal.WithLabelValues("error").Inc()
		return
	case results == 0:
		m.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
	default:
		m.SearchQueriesTotal.WithLabelValues("hit").Inc()
	}
	m.SearchResultsCount.Observe(float64(results))

	m.queries.Record(QueryEvent{
		Query:       query,
		ResultCount: results,
		Latency:     latency,
		Cached:      cached,
	})
}
