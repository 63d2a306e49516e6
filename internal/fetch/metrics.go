package fetch

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Registry holds the collectors created by DefaultMetrics.
var Registry = prometheus.NewRegistry()

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Metrics provides Prometheus metrics for downloads and the local cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// DefaultMetrics returns the process-wide collector registered on Registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(Registry)
	})
	return defaultMetrics
}

// NewMetrics creates a collector registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "schooldata_requests_total",
				Help: "Total number of data file requests",
			},
			[]string{"state", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "schooldata_request_duration_seconds",
				Help:    "Duration of data file requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "schooldata_retries_total",
				Help: "Total number of retried requests",
			},
			[]string{"state"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "schooldata_cache_hits_total",
				Help: "Total number of enrollment cache hits",
			},
			[]string{"state"},
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "schooldata_cache_misses_total",
				Help: "Total number of enrollment cache misses",
			},
			[]string{"state"},
		),
	}
}

// ObserveRequest records one request attempt.
func (m *Metrics) ObserveRequest(state, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(state, status).Inc()
	m.requestDuration.WithLabelValues(state).Observe(d.Seconds())
}

// Retry records a retried request.
func (m *Metrics) Retry(state string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(state).Inc()
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit(state string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(state).Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss(state string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(state).Inc()
}

// WriteText writes every metric family gathered from g in the Prometheus
// text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
