// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/relayq/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint replaces path identifiers so the endpoint label stays bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/projects/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/projects/"), "/")
		if len(parts) == 2 && parts[0] != "" {
			switch parts[1] {
			case "run", "stop", "status":
				return "/api/projects/:id/" + parts[1]
			}
		}

		return path
	case strings.HasPrefix(path, "/api/runs/") && len(path) > len("/api/runs/") &&
		!strings.Contains(path[len("/api/runs/"):], "/"):
		return "/api/runs/:id"
	default:
		return path
	}
}
