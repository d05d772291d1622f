package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initServiceMetrics(f promauto.Factory) {
	m.serviceOperations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "service_operations_total",
		Help: "Operations handled by a downstream service, by result",
	}, []string{"service", "operation", "result"})

	m.serviceRecords = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "service_records",
		Help: "Records held by a downstream service, by status",
	}, []string{"service", "status"})
}

// RecordServiceOperation counts one create, cancel or get handled by a
// downstream service.
func (m *Manager) RecordServiceOperation(service, operation, result string) {
	if m.enabled {
		m.serviceOperations.WithLabelValues(service, operation, result).Inc()
	}
}

// MoveServiceRecord shifts one record between status buckets. from is empty
// for a new record.
func (m *Manager) MoveServiceRecord(service, from, to string) {
	if !m.enabled {
		return
	}
	if from != "" {
		m.serviceRecords.WithLabelValues(service, from).Dec()
	}
	m.serviceRecords.WithLabelValues(service, to).Inc()
}
