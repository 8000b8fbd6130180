package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.ResponseWriter.WriteHeader(statusCode)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// routeLabel collapses per-object path segments so the request metric
// stays at bounded cardinality.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/uploads/"):
		return "/uploads/{id}"
	case strings.HasPrefix(path, "/download/"):
		return "/download/{id}"
	default:
		return path
	}
}

// LoggingMiddleware logs HTTP requests with method, path, status, duration,
// and IP, and records the per-request metric.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			written:        false,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		ip := getClientIP(r)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, routeLabel(r.URL.Path), strconv.Itoa(wrapped.statusCode)).Inc()

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", duration,
			"ip", ip,
			"user_agent", r.UserAgent(),
		)
	})
}
