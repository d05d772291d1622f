package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
)

// Recovery turns a handler panic into a 500 error body.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrapWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)

				if sw.wroteHeader {
					return
				}
				response.Error(sw,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"internal server error",
					GetRequestID(r.Context()),
				)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
