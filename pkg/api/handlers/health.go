// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/version"
)

// Runtime is the part of the orchestrator the health endpoints observe.
type Runtime interface {
	ActiveCount() int
	Closed() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	runtime   Runtime
	startedAt time.Time
	checks    map[string]func() error
	details   map[string]func() string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(runtime Runtime) *HealthHandler {
	return &HealthHandler{
		runtime:   runtime,
		startedAt: time.Now(),
		checks:    make(map[string]func() error),
		details:   make(map[string]func() string),
	}
}

// AddCheck registers a dependency probe reported by /ready and /status.
// Checks are registered before the server starts.
func (h *HealthHandler) AddCheck(name string, check func() error) {
	h.checks[name] = check
}

// AddDetail registers a value shown by /status that never affects readiness.
func (h *HealthHandler) AddDetail(name string, detail func() string) {
	h.details[name] = detail
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := !h.runtime.Closed()
	for _, check := range h.checks {
		if check() != nil {
			ready = false
			break
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]bool{
		"ready": ready,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(); err != nil {
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	details := make(map[string]string, len(h.details))
	for name, detail := range h.details {
		details[name] = detail()
	}

	state := "running"
	if h.runtime.Closed() {
		state = "stopping"
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"state":        state,
		"active_sagas": h.runtime.ActiveCount(),
		"uptime":       time.Since(h.startedAt).Round(time.Second).String(),
		"version":      version.Info(),
		"checks":       checks,
		"details":      details,
	})
}
