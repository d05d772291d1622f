package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initActivityMetrics(f promauto.Factory, cfg Config) {
	m.activityAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_attempts_total",
		Help: "Calls to downstream services, by step and outcome",
	}, []string{"step", "outcome"})

	m.activityDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activity_duration_seconds",
		Help:    "Latency of one downstream call",
		Buckets: cfg.ActivityDurationBuckets,
	}, []string{"step"})

	m.activityRetries = f.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_retries_total",
		Help: "Retries scheduled after a transient failure",
	}, []string{"step"})

	m.activityThrottle = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activity_throttle_wait_seconds",
		Help:    "Time spent waiting on the per-service rate limiter",
		Buckets: cfg.ActivityDurationBuckets,
	}, []string{"service"})
}

// RecordActivityAttempt records one call to a downstream service.
// outcome is "success" or the failure kind.
func (m *Manager) RecordActivityAttempt(ctx context.Context, step, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.activityAttempts.WithLabelValues(step, outcome).Inc()

	observer := m.activityDuration.WithLabelValues(step)
	if labels, ok := traceExemplarLabels(ctx); ok {
		if eo, ok := observer.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(duration.Seconds(), labels)
			return
		}
	}
	observer.Observe(duration.Seconds())
}

// RecordActivityRetry records a retry scheduled by the policy evaluator.
func (m *Manager) RecordActivityRetry(step string) {
	if !m.enabled {
		return
	}
	m.activityRetries.WithLabelValues(step).Inc()
}

// RecordActivityThrottle records time spent waiting for a rate limiter token.
func (m *Manager) RecordActivityThrottle(service string, wait time.Duration) {
	if !m.enabled {
		return
	}
	m.activityThrottle.WithLabelValues(service).Observe(wait.Seconds())
}

// traceExemplarLabels links a latency sample to the span it was measured in.
func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	if ctx == nil {
		return nil, false
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String(), "span_id": sc.SpanID().String()}, true
}
