// Package metrics exposes Prometheus instrumentation for deployments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botrunner"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Metrics holds every collector. All methods are safe on a nil receiver so
// components can run uninstrumented in tests.
type Metrics struct {
	registry *prometheus.Registry

	deployments     *prometheus.CounterVec
	installSteps    *prometheus.CounterVec
	installDuration *prometheus.HistogramVec
	startTrials     *prometheus.CounterVec
	autoRestarts    prometheus.Counter
	runningWorkers  prometheus.Gauge
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	portsLeased     prometheus.GaugeFunc
}

// New creates a Metrics instance with its own registry. leased reports the
// number of ports currently handed out; it may be nil.
func New(leased func() int) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.deployments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Deployment pipeline outcomes",
	}, []string{"outcome"})

	m.installSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "installer",
		Name:      "steps_total",
		Help:      "Installer step results",
	}, []string{"step", "result"})

	m.installDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "installer",
		Name:      "step_duration_seconds",
		Help:      "Installer step latency",
		Buckets:   histogramBuckets,
	}, []string{"step"})

	m.startTrials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "start_trials_total",
		Help:      "Start candidate trial results",
	}, []string{"result"})

	m.autoRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "auto_restarts_total",
		Help:      "Restarts triggered by unexpected worker exits",
	})

	m.runningWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "running_workers",
		Help:      "Worker processes currently running",
	})

	m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deployments,
		m.installSteps,
		m.installDuration,
		m.startTrials,
		m.autoRestarts,
		m.runningWorkers,
		m.requestTotal,
		m.requestDuration,
	)

	if leased != nil {
		m.portsLeased = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "leased",
			Help:      "Ports currently leased to workers",
		}, func() float64 { return float64(leased()) })
		m.registry.MustRegister(m.portsLeased)
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DeploymentFinished records the outcome of a deploy pipeline
// ("running", "failed", "cancelled").
func (m *Metrics) DeploymentFinished(outcome string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(outcome).Inc()
}

// InstallStep records one installer step.
func (m *Metrics) InstallStep(step string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.installSteps.WithLabelValues(step, result(ok)).Inc()
	m.installDuration.WithLabelValues(step).Observe(d.Seconds())
}

// StartTrial records one start candidate trial.
func (m *Metrics) StartTrial(ok bool) {
	if m == nil {
		return
	}
	m.startTrials.WithLabelValues(result(ok)).Inc()
}

// AutoRestart counts a restart after an unexpected exit.
func (m *Metrics) AutoRestart() {
	if m == nil {
		return
	}
	m.autoRestarts.Inc()
}

// WorkerStarted increments the running workers gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.runningWorkers.Inc()
}

// WorkerExited decrements the running workers gauge.
func (m *Metrics) WorkerExited() {
	if m == nil {
		return
	}
	m.runningWorkers.Dec()
}

// ObserveRequest records a handled HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
