package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions       prometheus.Gauge
	sessionCreatedTotal  prometheus.Counter
	sessionReapedTotal   prometheus.Counter
	sessionInitDuration  prometheus.Histogram
	sessionInitFailTotal prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec

	archiveAppendTotal  *prometheus.CounterVec
	archiveAppendErrors prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "aviary_active_sessions",
					Help: "Current live session count.",
				},
			),
			sessionCreatedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aviary_sessions_created_total",
					Help: "Total sessions created.",
				},
			),
			sessionReapedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aviary_sessions_reaped_total",
					Help: "Total idle sessions reaped.",
				},
			),
			sessionInitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "aviary_session_init_duration_seconds",
					Help:    "Session factory initialization duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionInitFailTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aviary_session_init_failures_total",
					Help: "Total session factory initialization failures.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aviary_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aviary_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aviary_agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aviary_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			archiveAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aviary_archive_append_total",
					Help: "Total archive appends by category.",
				},
				[]string{"category"},
			),
			archiveAppendErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aviary_archive_append_errors_total",
					Help: "Total archive append failures.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionCreatedTotal,
			m.sessionReapedTotal,
			m.sessionInitDuration,
			m.sessionInitFailTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.archiveAppendTotal,
			m.archiveAppendErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

func RecordSessionCreated(initDuration time.Duration) {
	m := getMetrics()
	m.sessionCreatedTotal.Inc()
	m.sessionInitDuration.Observe(initDuration.Seconds())
}

func RecordSessionInitFailure() {
	getMetrics().sessionInitFailTotal.Inc()
}

func RecordSessionsReaped(n int) {
	getMetrics().sessionReapedTotal.Add(float64(n))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordArchiveAppend(category string, err error) {
	m := getMetrics()
	m.archiveAppendTotal.WithLabelValues(category).Inc()
	if err != nil {
		m.archiveAppendErrors.Inc()
	}
}
