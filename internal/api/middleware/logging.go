package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
)

// RequestLogger logs each request's method, path and status with zerolog and
// records it against the HTTP metrics, following the rest of this codebase's
// request-scoped zerolog idiom (logger.WithEnvironment, logger.WithRun)
// rather than chi's own text logger, in the same style as its sibling
// Auth/RateLimit middleware.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", duration).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")

			metrics.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(status), duration.Seconds())
		})
	}
}
