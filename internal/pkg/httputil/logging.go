package httputil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// probePaths are logged at debug level to keep kubelet noise out of the logs.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// RequestLoggerMiddleware stores a request-scoped logger in the context and
// logs one line per request once the handler returns.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With("request_id", middleware.GetReqID(r.Context()))
			ctx := ctxlog.WithLogger(r.Context(), logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			logger.Log(ctx, requestLevel(r.URL.Path, status), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case probePaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// routePattern returns the matched chi pattern, or "unknown" outside a router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}
