// Package metrics defines the Prometheus metric collectors used across the
// query core and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the query core.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	QueriesTotal      *prometheus.CounterVec
	QueryLatency      *prometheus.HistogramVec
	QueryErrorsTotal  *prometheus.CounterVec
	QueryResultsCount prometheus.Histogram

	FanoutShards     prometheus.Histogram
	ShardLatency     *prometheus.HistogramVec
	ShardFailures    *prometheus.CounterVec
	PartialResponses prometheus.Counter

	JoinDepth         prometheus.Histogram
	InnerResultsCount prometheus.Histogram

	DocsDropped       prometheus.Counter
	FacetsApproximate prometheus.Counter

	QueriesInFlight prometheus.Gauge
	OverloadRejects prometheus.Counter

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	BreakerState *prometheus.GaugeVec

	SnapshotGeneration prometheus.Gauge
	SnapshotSegments   prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by namespace and outcome.",
			},
			[]string{"namespace", "outcome"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_query_latency_seconds",
				Help:    "End-to-end query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"tier"},
		),
		QueryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_query_errors_total",
				Help: "Query errors by kind (invalid_query, deadline, overloaded, ...).",
			},
			[]string{"kind"},
		),
		QueryResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of documents returned per query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		FanoutShards: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_fanout_shards",
				Help:    "Number of shards consulted per query.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		ShardLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_shard_latency_seconds",
				Help:    "Per-shard RPC latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"shard"},
		),
		ShardFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_shard_failures_total",
				Help: "Shard request failures by shard and error kind.",
			},
			[]string{"shard", "kind"},
		),
		PartialResponses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_partial_responses_total",
				Help: "Responses served with partial=true.",
			},
		),
		JoinDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "searcher_join_depth",
				Help:    "Join nesting depth per query.",
				Buckets: []float64{0, 1, 2, 3, 4},
			},
		),
		InnerResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "searcher_inner_results_count",
				Help:    "Inner join result cardinality.",
				Buckets: []float64{0, 10, 100, 1000, 10000},
			},
		),
		DocsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searcher_docs_dropped_total",
				Help: "Documents dropped from responses due to stored-field read failures.",
			},
		),
		FacetsApproximate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searcher_facets_approximate_total",
				Help: "Queries whose facet counts were truncated at the hit threshold.",
			},
		),
		QueriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "searcher_queries_in_flight",
				Help: "Queries currently holding a concurrency permit.",
			},
		),
		OverloadRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "searcher_overload_rejects_total",
				Help: "Queries rejected because no permit was available in time.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_cache_hits_total",
				Help: "Result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_cache_misses_total",
				Help: "Result cache misses.",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_shard_breaker_state",
				Help: "Per-shard circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"shard"},
		),
		SnapshotGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "searcher_snapshot_generation",
				Help: "Generation number of the installed index snapshot.",
			},
		),
		SnapshotSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "searcher_snapshot_segments",
				Help: "Segment count of the installed index snapshot.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryErrorsTotal,
		m.QueryResultsCount,
		m.FanoutShards,
		m.ShardLatency,
		m.ShardFailures,
		m.PartialResponses,
		m.JoinDepth,
		m.InnerResultsCount,
		m.DocsDropped,
		m.FacetsApproximate,
		m.QueriesInFlight,
		m.OverloadRejects,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.BreakerState,
		m.SnapshotGeneration,
		m.SnapshotSegments,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
