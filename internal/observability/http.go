package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const traceHeader = "X-Trace-ID"

// unmatchedRoute labels requests that no registered pattern served.
const unmatchedRoute = "unmatched"

// TraceMiddleware tags the request with a trace id. A caller-supplied
// X-Trace-ID wins over the active span's id.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := requestTraceID(r)
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

func requestTraceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(traceHeader)); id != "" {
		return id
	}
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LoggingMiddleware writes one line per request, keyed by the matched route.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rw := wrapResponse(w)
			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if rw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("route", routeLabel(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int64("duration_ms", time.Since(started).Milliseconds()),
				slog.Int("response_bytes", rw.written),
			)
		})
	}
}

// MetricsMiddleware records request counts, latency and in-flight requests
// per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		started := time.Now()
		rw := wrapResponse(w)
		next.ServeHTTP(rw, r)

		labels := []string{r.Method, routeLabel(r), strconv.Itoa(rw.status)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDurationSeconds.WithLabelValues(labels...).Observe(time.Since(started).Seconds())
	})
}

// routeLabel returns the pattern path the mux matched, without the method.
// The mux stores the pattern on the request it was handed, so this is only
// meaningful after the request has been served.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponse(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(body []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(body)
	w.written += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
