package prometheus

import (
	"time"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	requests      *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	reservations  *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	wastedFetches *prometheus.CounterVec
	full          *prometheus.CounterVec
	activeSlots   *prometheus.GaugeVec
}

// NewCacheMetrics creates a new Prometheus-backed cache.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCacheMetrics() cache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_cache_requests_total",
				Help: "Total number of RequestBlock calls by tier and outcome",
			},
			[]string{"tier", "outcome"}, // outcome: "hit", "miss"
		),
		requestLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "tazer_cache_request_latency_milliseconds",
				Help: "Latency of RequestBlock calls by tier",
				Buckets: []float64{
					0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500,
				},
			},
			[]string{"tier"},
		),
		reservations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_cache_reservations_total",
				Help: "Total number of slots reserved by tier",
			},
			[]string{"tier"},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_cache_evictions_total",
				Help: "Total number of victim evictions by tier and reason",
			},
			[]string{"tier", "reason"}, // reason: "demand-shielded", "any"
		),
		wastedFetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_cache_wasted_fetches_total",
				Help: "Total number of WriteBlock calls whose reservation was reclaimed first",
			},
			[]string{"tier"},
		),
		full: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_cache_full_total",
				Help: "Total number of admission attempts that found no evictable victim",
			},
			[]string{"tier"},
		),
		activeSlots: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tazer_cache_active_slots",
				Help: "Current number of slots with activeCnt > 0, by tier",
			},
			[]string{"tier"},
		),
	}
}

func (m *cacheMetrics) ObserveRequest(tier string, hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.requests.WithLabelValues(tier, outcome).Inc()
	m.requestLatency.WithLabelValues(tier).Observe(duration.Seconds() * 1000)
}

func (m *cacheMetrics) RecordReservation(tier string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(tier).Inc()
}

func (m *cacheMetrics) RecordEviction(tier, reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(tier, reason).Inc()
}

func (m *cacheMetrics) RecordWastedFetch(tier string) {
	if m == nil {
		return
	}
	m.wastedFetches.WithLabelValues(tier).Inc()
}

func (m *cacheMetrics) RecordFull(tier string) {
	if m == nil {
		return
	}
	m.full.WithLabelValues(tier).Inc()
}

func (m *cacheMetrics) RecordActiveSlots(tier string, count int) {
	if m == nil {
		return
	}
	m.activeSlots.WithLabelValues(tier).Set(float64(count))
}

func init() {
	metrics.RegisterCacheMetricsConstructor(NewCacheMetrics)
}
