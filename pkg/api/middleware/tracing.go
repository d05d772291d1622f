package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "fulfilment.http"

// SagaIDParam is the chi URL parameter naming a saga in API routes.
const SagaIDParam = "sagaID"

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	// SkipPaths are exact paths served without a span.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health and metrics endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health":  {},
			"/ready":   {},
			"/metrics": {},
		},
	}
}

// Tracing starts a server span per request, continuing any inbound W3C
// trace context. Sagas started by the request inherit the span.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			r = r.WithContext(ctx)
			sw := wrapWriter(w)
			next.ServeHTTP(sw, r)

			route := routePattern(r)
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.status),
			)
			if sagaID := sagaIDParam(r); sagaID != "" {
				span.SetAttributes(attribute.String("saga.id", sagaID))
			}
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			}
		})
	}
}

func chiPattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return strings.TrimSpace(rc.RoutePattern())
	}
	return ""
}

func routePattern(r *http.Request) string {
	if pattern := chiPattern(r); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

func sagaIDParam(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.URLParam(SagaIDParam)
	}
	return ""
}
