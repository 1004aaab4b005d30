package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"horse.fit/incidentdedup/internal/incident"
)

// Manager owns every metric on a private registry. A nil *Manager is valid
// and records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	// Runs
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	records     prometheus.Counter
	rejected    prometheus.Counter
	clusters    prometheus.Counter
	singletons  prometheus.Counter
	superseded  prometheus.Counter
	overrides   prometheus.Counter
	storeRetry  prometheus.Counter

	// Scoring
	pairs        *prometheus.CounterVec
	detectorHits *prometheus.CounterVec

	// Arbiter
	arbiterCalls   *prometheus.CounterVec
	arbiterLatency prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// RunSummary is the per-run counters reported after a batch.
type RunSummary struct {
	Records    int
	Rejected   int
	Clusters   int
	Singletons int
	Superseded int
	Overrides  int
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "incidentdedup",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.runs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "runs_total",
		Help:      "Deduplication runs by final status",
	}, []string{"status"})
	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "run_duration_seconds",
		Help:      "Wall time of deduplication runs",
		Buckets:   m.histogramBuckets,
	})
	m.records = m.counter(auto, "records_total", "Event records considered by deduplication runs")
	m.rejected = m.counter(auto, "records_rejected_total", "Event records rejected as malformed")
	m.clusters = m.counter(auto, "clusters_total", "Clusters produced")
	m.singletons = m.counter(auto, "singleton_clusters_total", "Clusters with a single member")
	m.superseded = m.counter(auto, "canonical_superseded_total", "Canonical events superseded by re-clustering")
	m.overrides = m.counter(auto, "merge_overrides_total", "Joiners split out of tentative clusters")
	m.storeRetry = m.counter(auto, "store_retries_total", "Retried store transactions")

	m.pairs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "pairs_scored_total",
		Help:      "Locally scored record pairs by decision",
	}, []string{"decision"})
	m.detectorHits = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "detector_hits_total",
		Help:      "Pairs where a special-case detector decided or adjusted the score",
	}, []string{"detector"})

	m.arbiterCalls = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "arbiter_calls_total",
		Help:      "Arbiter consultations by outcome",
	}, []string{"outcome"})
	m.arbiterLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "arbiter_latency_seconds",
		Help:      "Arbiter consultation latency including retries",
		Buckets:   m.histogramBuckets,
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"method", "route"})
}

func (m *Manager) counter(auto promauto.Factory, name, help string) prometheus.Counter {
	return auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	})
}

// ObservePair counts one locally scored pair.
func (m *Manager) ObservePair(result incident.SimilarityResult) {
	if m == nil {
		return
	}
	m.pairs.WithLabelValues(string(result.Decision)).Inc()
	if result.Detector != "" {
		m.detectorHits.WithLabelValues(result.Detector).Inc()
	}
}

func (m *Manager) ObserveArbitration(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.arbiterCalls.WithLabelValues(outcome).Inc()
	m.arbiterLatency.Observe(latency.Seconds())
}

func (m *Manager) ObserveRun(status string, summary RunSummary, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	m.records.Add(float64(summary.Records))
	m.rejected.Add(float64(summary.Rejected))
	m.clusters.Add(float64(summary.Clusters))
	m.singletons.Add(float64(summary.Singletons))
	m.superseded.Add(float64(summary.Superseded))
	m.overrides.Add(float64(summary.Overrides))
}

func (m *Manager) IncStoreRetry() {
	if m == nil {
		return
	}
	m.storeRetry.Inc()
}

func (m *Manager) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the private registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
