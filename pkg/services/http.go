package services

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/api/middleware"
	"github.com/goclaw/fulfilment/pkg/api/response"
)

// NewRouter builds the router of one service: the shared middleware chain,
// /health, an optional /metrics and the routes registered by mount.
func NewRouter(name string, opts Options, mount func(chi.Router)) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(opts.Logger.With("service", name)))
	r.Use(middleware.Recovery(opts.Logger))
	if opts.HTTPMetrics != nil {
		r.Use(middleware.Metrics(opts.HTTPMetrics, "/metrics", "/health"))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": name})
	})
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	mount(r)
	return r
}

// NewValidator returns a validator that reports json field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// IDParam parses a positive int64 URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", response.ErrInvalidInput, name, raw)
	}
	return id, nil
}

// WriteError writes err as the shared error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}

// ResultOf maps an operation error to a metrics result label.
func ResultOf(err error) string {
	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, response.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, response.ErrInvalidState):
		return ResultConflict
	case errors.Is(err, response.ErrInvalidInput), errors.As(err, &validationErrs):
		return ResultRejected
	default:
		return "error"
	}
}
