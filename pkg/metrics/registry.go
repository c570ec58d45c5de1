package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the process-wide Prometheus registry. Every
// tier/subsystem metrics constructor (NewCacheMetrics, NewBadgerMetrics,
// NewS3Metrics) checks IsEnabled before registering collectors against it,
// so InitRegistry must run before any tier is constructed.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	enabled = true
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// GetRegistry returns the process-wide registry. Callers must only call
// this after confirming IsEnabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Server is the metrics HTTP endpoint (spec.md's ambient observability
// stack): a bare promhttp.Handler over the process registry, with a
// bounded-shutdown Close grounded on the same context.Context + timeout
// shape used elsewhere in the ambient stack (threadpool.Terminate,
// ServerConfig.ShutdownTimeout).
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics HTTP server bound to addr (e.g. ":9090"),
// serving /metrics from the process registry. Returns nil if metrics are
// not enabled.
func NewServer(addr string) *Server {
	if !IsEnabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{}))

	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the metrics server in the background, logging (not failing)
// any error other than a clean shutdown.
func (s *Server) Start() {
	if s == nil {
		return
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "error", err)
		}
	}()
}

// Close shuts the metrics server down within timeout.
func (s *Server) Close(timeout time.Duration) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
