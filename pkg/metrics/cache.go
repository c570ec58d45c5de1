package metrics

import (
	"time"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
)

// NewCacheMetrics creates a new Prometheus-backed cache.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called). When nil
// is returned, callers should pass nil to tier constructors, which results
// in zero overhead (every BoundedCache call into Metrics is nil-guarded).
func NewCacheMetrics() cache.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusCacheMetrics()
}

// newPrometheusCacheMetrics is implemented in pkg/metrics/prometheus/cache.go.
// This indirection avoids an import cycle while keeping the API clean.
var newPrometheusCacheMetrics func() cache.Metrics

// RegisterCacheMetricsConstructor registers the Prometheus cache metrics
// constructor. Called by pkg/metrics/prometheus/cache.go during package init.
func RegisterCacheMetricsConstructor(constructor func() cache.Metrics) {
	newPrometheusCacheMetrics = constructor
}

// ObserveRequest records a RequestBlock call's outcome and latency.
func ObserveRequest(m cache.Metrics, tier string, hit bool, duration time.Duration) {
	if m != nil {
		m.ObserveRequest(tier, hit, duration)
	}
}

// RecordReservation records a slot reservation (admission algorithm step 3).
func RecordReservation(m cache.Metrics, tier string) {
	if m != nil {
		m.RecordReservation(tier)
	}
}

// RecordEviction records a victim eviction, tagged with why it was chosen
// ("demand-shielded" or "any").
func RecordEviction(m cache.Metrics, tier, reason string) {
	if m != nil {
		m.RecordEviction(tier, reason)
	}
}

// RecordWastedFetch records a WriteBlock call whose reservation was
// reclaimed by eviction before the fetch completed.
func RecordWastedFetch(m cache.Metrics, tier string) {
	if m != nil {
		m.RecordWastedFetch(tier)
	}
}

// RecordFull records an admission attempt that found no evictable victim.
func RecordFull(m cache.Metrics, tier string) {
	if m != nil {
		m.RecordFull(tier)
	}
}

// RecordActiveSlots records the current count of slots with activeCnt > 0.
func RecordActiveSlots(m cache.Metrics, tier string, count int) {
	if m != nil {
		m.RecordActiveSlots(tier, count)
	}
}
