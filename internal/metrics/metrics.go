package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dreschagin/image-studio/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles prometheus collectors used by the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDurationSec *prometheus.HistogramVec
	JobsTotal          *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	SideEffectErrors   *prometheus.CounterVec
	AuthFailures       prometheus.Counter
	RateLimitDropped   prometheus.Counter
	ReadinessProbes    prometheus.Counter
	ReadinessErrors    prometheus.Counter
	WebSocketClients   prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_requests_total",
			Help: "Total number of gateway HTTP requests.",
		}, []string{"route", "method", "status"}),
		RequestDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_request_duration_seconds",
			Help:    "Gateway request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}, []string{"route", "method", "status"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_jobs_total",
			Help: "Edit jobs by operation and outcome.",
		}, []string{"operation", "status"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_upstream_duration_seconds",
			Help:    "Upstream image API latency in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}, []string{"operation"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_upstream_errors_total",
			Help: "Upstream image API failures by operation.",
		}, []string{"operation"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_cache_lookups_total",
			Help: "Result cache lookups by outcome.",
		}, []string{"result"}),
		SideEffectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_side_effect_errors_total",
			Help: "Failures of best-effort job side effects.",
		}, []string{"kind"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_auth_failures_total",
			Help: "Total number of auth failures.",
		}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_ratelimit_dropped_total",
			Help: "Total number of requests dropped by rate limiter.",
		}),
		ReadinessProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_readiness_probes_total",
			Help: "Total number of upstream readiness probes.",
		}),
		ReadinessErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_readiness_errors_total",
			Help: "Total number of failed upstream readiness probes.",
		}),
		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studio_websocket_clients",
			Help: "Connected job feed clients.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDurationSec,
		m.JobsTotal,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheLookups,
		m.SideEffectErrors,
		m.AuthFailures,
		m.RateLimitDropped,
		m.ReadinessProbes,
		m.ReadinessErrors,
		m.WebSocketClients,
	)

	return m
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.statusCode)
		route := routing.Label(r.URL.Path)
		m.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		m.RequestDurationSec.WithLabelValues(route, r.Method, status).Observe(time.Since(startedAt).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Hijack passes websocket upgrades through wrapped ResponseWriter.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// Flush keeps streaming behavior for handlers that require it.
func (rw *statusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
