package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sornon/member-sub002/internal/logging"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// RequestMetrics observes completed requests.
type RequestMetrics interface {
	ObserveRequest(method, route string, code int, durationSeconds float64)
}

// RequestID takes the id from the X-Request-ID header or generates one,
// echoes it on the response and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestIDCtx(r.Context(), id)))
	})
}

// AccessLog logs one line per request and records it in m when m is not
// nil. Routes are labeled by their chi pattern so path parameters do not
// explode metric cardinality.
func AccessLog(logger *logging.Logger, m RequestMetrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			route := routePattern(r)
			elapsed := time.Since(start)
			if m != nil {
				m.ObserveRequest(r.Method, route, code, elapsed.Seconds())
			}

			fields := map[string]any{
				"requestId":  logging.RequestIDFromCtx(r.Context()),
				"method":     r.Method,
				"route":      route,
				"status":     code,
				"bytes":      ww.BytesWritten(),
				"durationMs": elapsed.Milliseconds(),
			}
			if code >= http.StatusInternalServerError {
				logger.Warnf("request completed", fields)
			} else {
				logger.Debugf("request completed", fields)
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
