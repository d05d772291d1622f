// Package api provides the HTTP API of the fulfilment orchestrator.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/goclaw/fulfilment/config"
	_ "github.com/goclaw/fulfilment/docs/swagger" // registers the API docs
	"github.com/goclaw/fulfilment/pkg/api/handlers"
	"github.com/goclaw/fulfilment/pkg/api/middleware"
	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
)

const (
	fulfilPath    = "/api/orders/fulfill"
	websocketPath = "/ws/sagas"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga handles the fulfilment and saga endpoints.
	Saga *handlers.SagaHandler

	// Health handles health check endpoints.
	Health *handlers.HealthHandler

	// WebSocket streams saga events. Nil disables /ws/sagas.
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder.
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves /metrics on the API port when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics, "/metrics", websocketPath))
	}
	r.Use(middleware.CORS(cfg.Server.CORS))
	// The fulfil handler bounds its own wait and streams are long-lived.
	r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout, fulfilPath, websocketPath))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	if handlers.Saga != nil {
		r.Post(fulfilPath, handlers.Saga.Fulfil)

		r.Route("/api/v1/sagas", func(r chi.Router) {
			r.Post("/", handlers.Saga.StartSaga)
			r.Get("/", handlers.Saga.ListSagas)
			r.Route("/{"+middleware.SagaIDParam+"}", func(r chi.Router) {
				r.Get("/", handlers.Saga.GetSaga)
				r.Get("/journal", handlers.Saga.GetJournal)
				r.Post("/cancel", handlers.Saga.CancelSaga)
			})
		})
	}

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}

	if handlers.WebSocket != nil {
		r.Get(websocketPath, handlers.WebSocket.ServeHTTP)
	}
	if handlers.MetricsHandler != nil {
		r.Handle("/metrics", handlers.MetricsHandler)
	}

	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
