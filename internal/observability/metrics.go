package observability

import "github.com/prometheus/client_golang/prometheus"

var httpLabels = []string{"method", "route", "status"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpilot_http_requests_total",
		Help: "HTTP requests served, by route pattern and status.",
	}, httpLabels)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sqlpilot_http_request_duration_seconds",
		Help: "HTTP request latency by route pattern. Generation routes wait on the model backend.",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, httpLabels)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sqlpilot_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDurationSeconds, httpInFlight)
}
