package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// OrchestratorService is the health service name reported for the saga
// orchestrator. The empty name reports overall server health.
const OrchestratorService = "fulfilment.Orchestrator"

// ReadinessProbe reports whether the process can accept new sagas.
type ReadinessProbe func() bool

// HealthServer wraps the gRPC health server and keeps its status in line
// with a readiness probe.
type HealthServer struct {
	server *health.Server

	mu     sync.Mutex
	probe  ReadinessProbe
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthServer creates a health server. Every service starts NOT_SERVING
// until the first probe.
func NewHealthServer(probe ReadinessProbe) *HealthServer {
	h := &HealthServer{server: health.NewServer(), probe: probe}
	h.SetServingStatusAll(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServingStatus sets the serving status for a service.
func (h *HealthServer) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus(service, status)
}

// SetServingStatusAll sets the overall status and the orchestrator status.
func (h *HealthServer) SetServingStatusAll(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(OrchestratorService, status)
}

// Refresh evaluates the probe once. Without a probe the server is SERVING.
func (h *HealthServer) Refresh() grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if h.probe != nil && !h.probe() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.SetServingStatusAll(status)
	return status
}

// Start refreshes the status every interval until Stop.
func (h *HealthServer) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.Refresh()

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Refresh()
			}
		}
	}(h.done)
}

// Stop ends probing and marks every service NOT_SERVING so that watchers
// drain before the transport closes.
func (h *HealthServer) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	h.server.Shutdown()
}

// GetServer returns the underlying health server for registration.
func (h *HealthServer) GetServer() *health.Server {
	return h.server
}
