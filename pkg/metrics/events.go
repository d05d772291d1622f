package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initEventMetrics(f promauto.Factory) {
	m.eventPublishes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_published_total",
		Help: "Saga lifecycle events handed to the event bus, by type and publish status",
	}, []string{"event_type", "status"})
}

// RecordEventPublish counts one publish outcome. status is "success",
// "retry" or "failed".
func (m *Manager) RecordEventPublish(eventType, status string) {
	if m.enabled {
		m.eventPublishes.WithLabelValues(eventType, status).Inc()
	}
}
