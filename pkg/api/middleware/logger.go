// Package middleware provides the HTTP middleware shared by the orchestrator
// API and the downstream services.
package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/fulfilment/pkg/logger"
)

// Logger logs one line per request. Server errors log at error level and
// client errors at warn level.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrapWriter(w)

			next.ServeHTTP(sw, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", sw.size,
				"remote_addr", r.RemoteAddr,
			}
			if sagaID := sagaIDParam(r); sagaID != "" {
				args = append(args, "saga_id", sagaID)
			}

			switch {
			case sw.status >= http.StatusInternalServerError:
				log.ErrorContext(r.Context(), "HTTP request", args...)
			case sw.status >= http.StatusBadRequest:
				log.WarnContext(r.Context(), "HTTP request", args...)
			default:
				log.InfoContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}
