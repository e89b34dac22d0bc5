package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID reuses an incoming X-Request-ID or generates one, and echoes it
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request id stored by RequestID.
func RequestIDFrom(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// Logger writes one access log line per request and attaches a request-scoped
// zerolog logger to the context. Level follows the status: error for 5xx,
// warn for 4xx, debug for everything else.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		l := logger.Logger().With().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("remote_ip", r.RemoteAddr).
			Logger()

		next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := l.Debug()
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		ev.Str("path", routePattern(r)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", ww.BytesWritten()).
			Msg("request")
	})
}

// LoggerFrom returns the request-scoped logger, or the global one.
func LoggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return logger.Logger()
}

// Metrics records request counts, latency and in-flight requests.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPInflight.Inc()
		defer metrics.HTTPInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern is the matched chi pattern, or a fixed label for unmatched
// requests so raw URLs never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
