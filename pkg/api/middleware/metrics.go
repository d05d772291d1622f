package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records request count, latency and in-flight connections, labelled
// by route pattern to keep cardinality bounded.
func Metrics(recorder MetricsRecorder, skip ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range skip {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			sw := wrapWriter(w)
			defer func() {
				status := sw.status
				if rec := recover(); rec != nil {
					status = http.StatusInternalServerError
					recorder.RecordHTTPRequest(r.Method, metricPath(r), strconv.Itoa(status), time.Since(start))
					panic(rec)
				}
				recorder.RecordHTTPRequest(r.Method, metricPath(r), strconv.Itoa(status), time.Since(start))
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

func metricPath(r *http.Request) string {
	if pattern := chiPattern(r); pattern != "" {
		return pattern
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces numeric ids, UUIDs and saga ids with ":id" for
// requests that did not match a route.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if isIdentifier(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIdentifier(part string) bool {
	if _, err := strconv.ParseInt(part, 10, 64); err == nil {
		return true
	}
	if len(part) >= 36 && strings.Count(part[len(part)-36:], "-") == 4 {
		return true
	}
	return false
}
