package httputil

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	"github.com/go-chi/chi/v5/middleware"
)

// MetricsMiddleware records request latency by route pattern and tracks
// requests currently being served.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method,
			routePattern(r),
			strconv.Itoa(status),
		).Observe(time.Since(start).Seconds())
	})
}
