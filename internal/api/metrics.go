package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission results recorded by apiSubmissionsTotal.
const (
	submitAccepted = "accepted"
	submitInvalid  = "invalid"
	submitRejected = "rejected"
	submitFailed   = "failed"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "async_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "async_http_request_duration_seconds",
		Help:    "HTTP request latency by route, excluding event streams.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	apiSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "async_api_submissions_total",
		Help: "Job submissions received over HTTP by result.",
	}, []string{"result"})

	apiEventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "async_api_event_streams",
		Help: "Open job event streams.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, apiSubmissionsTotal, apiEventStreams)
}

// instrument counts requests by chi route pattern so job ids never become
// label values. Event streams are counted but their duration is not
// observed.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if ww.Header().Get("Content-Type") != eventStreamContentType {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
