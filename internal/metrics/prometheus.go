// Package metrics exposes the platform's Prometheus instruments. When
// InitPrometheus was never called every recording helper is a no-op, so
// callers never guard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the platform's prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	runsFinishedTotal *prometheus.CounterVec
	queueOpsTotal     *prometheus.CounterVec
	logEntriesTotal   prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec

	dispatchLatency prometheus.Histogram
	httpDuration    *prometheus.HistogramVec

	activeRuns prometheus.Gauge
}

// Dispatch latency buckets in seconds.
var dispatchBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the metrics subsystem.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		runsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		queueOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_operations_total",
				Help:      "Total request-queue engine operations",
			},
			[]string{"op"},
		),
		logEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_entries_total",
				Help:      "Total log entries appended to run rings",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method and status class",
			},
			[]string{"method", "status"},
		),
		dispatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_dispatch_latency_seconds",
				Help:      "Time between run creation and dispatch",
				Buckets:   dispatchBuckets,
			},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs currently driven by this node",
			},
		),
	}

	registry.MustRegister(
		pm.runsFinishedTotal,
		pm.queueOpsTotal,
		pm.logEntriesTotal,
		pm.httpRequestsTotal,
		pm.dispatchLatency,
		pm.httpDuration,
		pm.activeRuns,
	)

	promMetrics = pm
}

// Handler returns the /metrics endpoint handler, or nil when metrics are
// disabled.
func Handler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func RunFinished(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.runsFinishedTotal.WithLabelValues(status).Inc()
}

func QueueOp(op string) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueOpsTotal.WithLabelValues(op).Inc()
}

func LogEntryAppended() {
	if promMetrics == nil {
		return
	}
	promMetrics.logEntriesTotal.Inc()
}

func HTTPRequest(method, statusClass string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequestsTotal.WithLabelValues(method, statusClass).Inc()
	promMetrics.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func ObserveDispatchLatency(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchLatency.Observe(d.Seconds())
}

func SetActiveRuns(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRuns.Set(float64(n))
}
