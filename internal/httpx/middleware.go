package httpx

import (
	"log/slog"
	"net/http"
	"time"

	obsmw "securechat/internal/observability/middleware"
)

// LogRequests logs method, path, latency and the request/trace ids.
func LogRequests(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start).String(),
				"request_id", obsmw.RequestIDFromContext(r.Context()),
				"trace_id", obsmw.TraceIDFromContext(r.Context()),
			)
		})
	}
}
