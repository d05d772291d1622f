// Package metrics provides Prometheus metrics instrumentation for the
// fulfilment orchestrator and the downstream services.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the registry of one process and records every metric the
// orchestrator and the services emit. A disabled Manager accepts every call
// and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	sagaExecutions    *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec
	sagaActive        prometheus.Gauge
	sagaCompensations *prometheus.CounterVec
	sagaRecovery      *prometheus.CounterVec
	sagaCancellations prometheus.Counter

	activityAttempts *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
	activityRetries  *prometheus.CounterVec
	activityThrottle *prometheus.HistogramVec

	serviceOperations *prometheus.CounterVec
	serviceRecords    *prometheus.GaugeVec

	eventPublishes *prometheus.CounterVec

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	SagaDurationBuckets     []float64
	ActivityDurationBuckets []float64
	HTTPDurationBuckets     []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Port:                    9091,
		Path:                    "/metrics",
		SagaDurationBuckets:     []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		ActivityDurationBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		HTTPDurationBuckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}
}

// NewManager builds a Manager with its own registry, preloaded with the Go
// runtime and process collectors.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Manager{registry: reg, enabled: true}
	f := promauto.With(reg)
	m.initSagaMetrics(f, cfg)
	m.initActivityMetrics(f, cfg)
	m.initServiceMetrics(f)
	m.initEventMetrics(f)
	m.initHTTPMetrics(f, cfg)
	return m
}

// NoOpManager returns a disabled Manager.
func NoOpManager() *Manager {
	return &Manager{}
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registerer returns the registry behind Handler so other packages can
// expose their collectors on the same endpoint. It is nil when disabled.
func (m *Manager) Registerer() prometheus.Registerer {
	if !m.enabled {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the OpenMetrics format. A disabled Manager
// answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves Handler at path on port until ctx is done.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
