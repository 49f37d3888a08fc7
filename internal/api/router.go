package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/surahj/ai-interviewer/internal/handler"
	"github.com/surahj/ai-interviewer/internal/infrastructure/auth"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration)
}

// metricsMiddleware labels requests by route template so ids in paths do
// not create new series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}

		RequestCounter.WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", recorder.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// SetupRouter registers every route and wraps the router once with the
// otelhttp server handler. Spans are named after the matched route template.
func SetupRouter(h *handler.Handler, redisClient redis.RedisClient, jwtSecret string) http.Handler {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	h.RegisterPublicRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(auth.Middleware(redisClient, jwtSecret))
	h.RegisterProtectedRoutes(protected)

	return otelhttp.NewHandler(r, "http", otelhttp.WithSpanNameFormatter(routeSpanName(r)))
}

func routeSpanName(r *mux.Router) func(string, *http.Request) string {
	return func(_ string, req *http.Request) string {
		var match mux.RouteMatch
		if r.Match(req, &match) && match.Route != nil {
			if tmpl, err := match.Route.GetPathTemplate(); err == nil {
				return req.Method + " " + tmpl
			}
		}
		return req.Method + " " + req.URL.Path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
