package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initSagaMetrics(f promauto.Factory, cfg Config) {
	m.sagaExecutions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_executions_total",
		Help: "Sagas that reached a terminal state, by state and failure kind",
	}, []string{"state", "failure_kind"})

	m.sagaDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Time from saga start to its terminal state",
		Buckets: cfg.SagaDurationBuckets,
	}, []string{"state"})

	m.sagaActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "saga_active_count",
		Help: "Sagas currently executing in this process",
	})

	m.sagaCompensations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Compensating actions by action and outcome",
	}, []string{"action", "status"})

	m.sagaRecovery = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_recovery_total",
		Help: "Startup recovery decisions by status",
	}, []string{"status"})

	m.sagaCancellations = f.NewCounter(prometheus.CounterOpts{
		Name: "saga_cancellations_total",
		Help: "Accepted saga cancellation requests",
	})
}

// RecordSagaExecution counts a saga reaching state. failureKind is empty on
// success.
func (m *Manager) RecordSagaExecution(state, failureKind string) {
	if m.enabled {
		m.sagaExecutions.WithLabelValues(state, failureKind).Inc()
	}
}

func (m *Manager) RecordSagaDuration(state string, duration time.Duration) {
	if m.enabled {
		m.sagaDuration.WithLabelValues(state).Observe(duration.Seconds())
	}
}

func (m *Manager) IncActiveSagas() {
	if m.enabled {
		m.sagaActive.Inc()
	}
}

func (m *Manager) DecActiveSagas() {
	if m.enabled {
		m.sagaActive.Dec()
	}
}

// RecordCompensation counts one compensating action. status is "success",
// "failed" or "skipped".
func (m *Manager) RecordCompensation(action, status string) {
	if m.enabled {
		m.sagaCompensations.WithLabelValues(action, status).Inc()
	}
}

func (m *Manager) RecordSagaRecovery(status string) {
	if m.enabled {
		m.sagaRecovery.WithLabelValues(status).Inc()
	}
}

func (m *Manager) RecordSagaCancellation() {
	if m.enabled {
		m.sagaCancellations.Inc()
	}
}
