package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for installation runs.
type Metrics struct {
	addr string

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Package metrics
	packagesFinished *prometheus.CounterVec
	packageDuration  *prometheus.HistogramVec

	// Command metrics
	commandsRun     *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Scheduler metrics
	activeInstallations prometheus.Gauge
	queuedPackages      prometheus.Gauge

	registry *prometheus.Registry
}

const namespace = "selfie"

// durationBuckets spans quick checks up to slow source builds.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// NewMetrics creates the collector served on addr. An empty addr yields a
// collector whose methods do nothing.
func NewMetrics(addr string) *Metrics {
	if addr == "" {
		return &Metrics{}
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		addr:     addr,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of installation runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of installation runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of installation runs in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"status"},
		),

		packagesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_installations_total",
				Help:      "Total number of packages by terminal phase",
			},
			[]string{"phase"},
		),
		packageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "package_duration_seconds",
				Help:      "Duration of package check and install in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"phase"},
		),

		commandsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of commands run by kind and termination",
			},
			[]string{"kind", "termination"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of check and install commands in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeInstallations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_installations",
				Help:      "Current number of packages with a running command",
			},
		),
		queuedPackages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_packages",
				Help:      "Current number of ready packages waiting for a worker",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.packagesFinished,
		m.packageDuration,
		m.commandsRun,
		m.commandDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeInstallations,
		m.queuedPackages,
	)

	return m
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a finished run with its status and wall-clock duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Package Metrics

// RecordPackageFinished records a package reaching a terminal phase.
func (m *Metrics) RecordPackageFinished(phase string, duration time.Duration) {
	if m == nil || m.packagesFinished == nil {
		return
	}
	m.packagesFinished.WithLabelValues(phase).Inc()
	m.packageDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordCommand records one check or install command.
func (m *Metrics) RecordCommand(kind, termination string, duration time.Duration) {
	if m == nil || m.commandsRun == nil {
		return
	}
	m.commandsRun.WithLabelValues(kind, termination).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Scheduler Metrics

// SetActiveInstallations sets the number of packages with a running command.
func (m *Metrics) SetActiveInstallations(count int) {
	if m == nil || m.activeInstallations == nil {
		return
	}
	m.activeInstallations.Set(float64(count))
}

// SetQueuedPackages sets the number of ready packages waiting for a worker.
func (m *Metrics) SetQueuedPackages(count int) {
	if m == nil || m.queuedPackages == nil {
		return
	}
	m.queuedPackages.Set(float64(count))
}

// Registry returns the registry the metrics are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve starts an HTTP server exposing /metrics. The returned server is nil
// when metrics are disabled. Serve errors are passed to onError.
func (m *Metrics) Serve(onError func(error)) *http.Server {
	if m.registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && onError != nil {
			onError(err)
		}
	}()

	return server
}
