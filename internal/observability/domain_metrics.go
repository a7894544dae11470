package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal outcome.",
		},
		[]string{"outcome"},
	)
	pipelineAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_pipeline_attempts",
			Help:    "Generation attempts used per pipeline run.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	pipelineDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_pipeline_duration_ms",
			Help:    "End-to-end pipeline run latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	lowConfidenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlpilot_low_confidence_total",
			Help: "Total number of runs that proceeded without schema context.",
		},
	)
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_gateway_calls_total",
			Help: "Total number of model backend calls by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)
	gatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_gateway_retries_total",
			Help: "Total number of retried model backend calls.",
		},
		[]string{"backend"},
	)
	gatewayLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_gateway_latency_ms",
			Help:    "Model backend call latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
		},
		[]string{"backend"},
	)
	validationFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_validation_findings_total",
			Help: "Total number of validation findings by kind.",
		},
		[]string{"kind"},
	)
	feedbackEmitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_feedback_emit_failures_total",
			Help: "Total number of feedback records a sink failed to accept.",
		},
		[]string{"sink"},
	)
	executeRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_execute_rows",
			Help:    "Rows returned per executed statement.",
			Buckets: []float64{0, 1, 10, 100, 500, 1000, 5000, 10000},
		},
	)
	executeLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_execute_latency_ms",
			Help:    "Statement execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineAttempts,
		pipelineDurationMs,
		lowConfidenceTotal,
		gatewayCallsTotal,
		gatewayRetriesTotal,
		gatewayLatencyMs,
		validationFindingsTotal,
		feedbackEmitFailuresTotal,
		executeRows,
		executeLatencyMs,
	)
}

func ObservePipelineRun(outcome string, attempts int, elapsed time.Duration) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		pipelineAttempts.Observe(float64(attempts))
	}
	pipelineDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementLowConfidence() {
	lowConfidenceTotal.Inc()
}

func ObserveGatewayCall(backend, outcome string, elapsed time.Duration) {
	gatewayCallsTotal.WithLabelValues(backend, outcome).Inc()
	gatewayLatencyMs.WithLabelValues(backend).Observe(float64(elapsed.Milliseconds()))
}

func IncrementGatewayRetry(backend string) {
	gatewayRetriesTotal.WithLabelValues(backend).Inc()
}

func ObserveValidationFinding(kind string) {
	validationFindingsTotal.WithLabelValues(kind).Inc()
}

func IncrementFeedbackEmitFailure(sink string) {
	feedbackEmitFailuresTotal.WithLabelValues(sink).Inc()
}

func ObserveExecution(rows int, elapsed time.Duration) {
	if rows < 0 {
		rows = 0
	}
	executeRows.Observe(float64(rows))
	executeLatencyMs.Observe(float64(elapsed.Milliseconds()))
}
