package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goclaw/fulfilment/pkg/api/response"
)

// Timeout bounds the request context. Handlers observe the deadline through
// the context; when one returns without writing after the deadline passed,
// a 504 body is written on its behalf. Paths in skip keep the caller's
// context, which suits long-lived streams.
func Timeout(timeout time.Duration, skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipped[r.URL.Path]; ok || timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			sw := wrapWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			if !sw.wroteHeader && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				response.Error(sw,
					http.StatusGatewayTimeout,
					response.ErrCodeGatewayTimeout,
					"request timeout",
					GetRequestID(r.Context()),
				)
			}
		})
	}
}
