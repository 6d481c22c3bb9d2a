package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eoger/lockbox-bridge/internal/bridge"
)

const (
	unmatchedRoute = "unmatched"
	// kindNone labels requests that did not fail in the bridge.
	kindNone = "none"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_http_requests_total",
			Help: "HTTP requests by route, status and bridge error kind.",
		},
		[]string{"method", "route", "status", "kind"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "lockbox_http_request_duration_seconds",
			Help: "HTTP request duration in seconds.",
			Buckets: []float64{.005, .025, .1, .25, 1, 2.5, 10, 30},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockbox_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight)
}

// requestOutcome is filled in by handlers and read back by observe.
type requestOutcome struct {
	kind string
}

type outcomeKey struct{}

// noteErrorKind records the bridge error kind a handler answered with.
func noteErrorKind(r *http.Request, k bridge.Kind) {
	if out, ok := r.Context().Value(outcomeKey{}).(*requestOutcome); ok {
		out.kind = string(k)
	}
}

// observe logs and counts every request. Both carry the bridge error kind the
// handler reported, so a 404 for a released handle is told apart from an
// unknown route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		out := &requestOutcome{kind: kindNone}
		r = r.WithContext(context.WithValue(r.Context(), outcomeKey{}, out))

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status), out.kind).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"kind", out.kind,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// routePattern is the matched chi pattern, which keeps handle values out of
// metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
