package prometheus

import (
	"time"

	s3store "github.com/pnnl-tazer/tazer-go/pkg/blocks/store/s3"
	"github.com/pnnl-tazer/tazer-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// s3Metrics is the Prometheus implementation of s3store.S3Metrics.
type s3Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewS3Metrics creates a new Prometheus-backed S3Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewS3Metrics() s3store.S3Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &s3Metrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_s3_operations_total",
				Help: "Total number of object-store operations by operation type and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "tazer_s3_operation_duration_milliseconds",
				Help: "Duration of object-store operations in milliseconds",
				Buckets: []float64{
					10, 50, 100, 500, 1000, 5000, 10000, 30000,
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tazer_s3_bytes_transferred_total",
				Help: "Total bytes transferred via object-store operations",
			},
			[]string{"operation", "direction"},
		),
	}
}

func (m *s3Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds() * 1000)
}

func (m *s3Metrics) RecordBytes(operation string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}

	direction := "write"
	if operation == "GetObject" {
		direction = "read"
	}

	m.bytesTransferred.WithLabelValues(operation, direction).Add(float64(bytes))
}
