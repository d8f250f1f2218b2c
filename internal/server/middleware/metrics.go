package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/observability"
)

// HTTP metric names.
const (
	HTTPRequestsTotal   = "http_requests_total"
	HTTPRequestDuration = "http_request_duration_ms"
	HTTPErrorsTotal     = "http_errors_total"
)

// responseWriter captures the status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// routeLabel names the route that served r. Matched chi routes use their
// pattern; unmatched paths collapse into one label per surface so scanners
// cannot blow up label cardinality.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	for _, prefix := range []string{"/health", "/status", "/debug", "/admin"} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix + "/*"
		}
	}
	switch path {
	case "/", "/version", "/metrics":
		return path
	}
	return "/unknown"
}

// quietRoutes are polled by orchestrators and scrapers; they are logged at
// debug level.
var quietRoutes = map[string]struct{}{
	"/health":         {},
	"/health/live":    {},
	"/health/ready":   {},
	"/health/startup": {},
	"/metrics":        {},
}

// RequestMetrics records request counts, latency and errors per route, and
// logs every request with its correlation id.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := routeLabel(r)
		status := strconv.Itoa(wrapped.statusCode)

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method":   r.Method,
				"endpoint": route,
				"status":   status,
			}
			_ = sys.Counter(HTTPRequestsTotal, 1, labels)
			_ = sys.Histogram(HTTPRequestDuration, duration, labels)

			if wrapped.statusCode >= 400 {
				errorType := "client_error"
				if wrapped.statusCode >= 500 {
					errorType = "server_error"
				}
				_ = sys.Counter(HTTPErrorsTotal, 1, map[string]string{
					"method":     r.Method,
					"endpoint":   route,
					"status":     status,
					"error_type": errorType,
				})
			}
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", route),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", duration),
			zap.Int64("response_size", wrapped.bytesWritten),
			zap.String("request_id", GetRequestID(r.Context())),
		}
		logger := observability.Server()
		if _, quiet := quietRoutes[route]; quiet && wrapped.statusCode < 400 {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
