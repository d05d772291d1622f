package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initHTTPMetrics labels requests by chi route pattern, never by raw path,
// so saga ids stay out of the label space.
func (m *Manager) initHTTPMetrics(f promauto.Factory, cfg Config) {
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration by method, route and status class",
		Buckets: cfg.HTTPDurationBuckets,
	}, []string{"method", "route", "class"})

	m.httpConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "HTTP requests currently being served, websocket streams included",
	})
}

// RecordHTTPRequest records a completed request. route is the matched route
// pattern and status the numeric status code.
func (m *Manager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route, statusClass(status)).Observe(duration.Seconds())
}

// IncActiveConnections marks a request as started.
func (m *Manager) IncActiveConnections() {
	if m.enabled {
		m.httpConnections.Inc()
	}
}

// DecActiveConnections marks a request as finished.
func (m *Manager) DecActiveConnections() {
	if m.enabled {
		m.httpConnections.Dec()
	}
}

// statusClass maps 404 to "4xx". Unparseable codes are "unknown".
func statusClass(status string) string {
	code, err := strconv.Atoi(status)
	if err != nil || code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
