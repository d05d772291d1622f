package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/api/handlers"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/saga"
)

type routeRecorder struct {
	routes []string
}

func (r *routeRecorder) RecordHTTPRequest(_, route, _ string, _ time.Duration) {
	r.routes = append(r.routes, route)
}

func (r *routeRecorder) IncActiveConnections() {}

func (r *routeRecorder) DecActiveConnections() {}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTP.ReadTimeout = 5 * time.Second
	return cfg
}

func newTestHandlers(t *testing.T, invoker saga.Invoker) (*Handlers, *saga.Orchestrator) {
	t.Helper()

	orchestrator, err := saga.NewOrchestrator(invoker)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orchestrator.Close(ctx)
	})

	return &Handlers{
		Saga:      handlers.NewSagaHandler(orchestrator, logger.Discard(), 5*time.Second),
		Health:    handlers.NewHealthHandler(orchestrator),
		WebSocket: handlers.NewWebSocketHandler(logger.Discard(), handlers.WebSocketConfig{}),
	}, orchestrator
}

func TestNewRouter(t *testing.T) {
	h, _ := newTestHandlers(t, saga.InvokerFunc(func(_ context.Context, step saga.StepName, _ any) saga.StepResult {
		return saga.Failed(step, saga.Transient(saga.CodeUnavailable, "down"))
	}))
	router := NewRouter(testConfig(), logger.Discard(), h)
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/health", want: http.StatusOK},
		{method: http.MethodGet, path: "/ready", want: http.StatusOK},
		{method: http.MethodGet, path: "/status", want: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/sagas", want: http.StatusOK},
		{method: http.MethodGet, path: "/api/v1/sagas/unknown", want: http.StatusNotFound},
		{method: http.MethodGet, path: "/ws/sagas", want: http.StatusBadRequest},
		{method: http.MethodGet, path: "/swagger/doc.json", want: http.StatusOK},
		{method: http.MethodGet, path: "/nope", want: http.StatusNotFound},
		{method: http.MethodDelete, path: "/api/v1/sagas", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", w.Code, tt.want, w.Body.String())
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Fatal("expected X-Request-ID header")
			}
		})
	}
}

func TestNewRouter_OptionalHandlers(t *testing.T) {
	router := NewRouter(testConfig(), logger.Discard(), &Handlers{})

	for _, path := range []string{"/health", "/ws/sagas", "/api/v1/sagas", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestNewRouter_MetricsAndCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORS = config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://ui.example"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}

	h, _ := newTestHandlers(t, saga.InvokerFunc(func(_ context.Context, step saga.StepName, _ any) saga.StepResult {
		return saga.Failed(step, saga.Permanent("invalid_input", "rejected"))
	}))
	recorder := &routeRecorder{}
	h.Metrics = recorder
	h.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	router := NewRouter(cfg, logger.Discard(), h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/order-workflow-1", nil)
	req.Header.Set("Origin", "http://ui.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if len(recorder.routes) != 1 || recorder.routes[0] != "/api/v1/sagas/{sagaID}" {
		t.Fatalf("recorded routes = %v", recorder.routes)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || len(recorder.routes) != 1 {
		t.Fatalf("metrics endpoint: status = %d, recorded = %v", w.Code, recorder.routes)
	}
}
