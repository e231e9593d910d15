package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one invocation.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics

	logFile       io.Closer
	metricsServer *http.Server
}

type telemetryKey struct{}

// New creates the telemetry described by s.
func New(s Settings) (*Telemetry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger, logFile, err := NewLogger(s)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(s)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(s.MetricsAddr),
		logFile: logFile,
	}, nil
}

// WithContext attaches t to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, telemetryKey{}, t)
}

// FromTelemetryContext returns the telemetry attached to ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// MetricsFromContext returns the metrics of the telemetry in ctx, or nil.
// A nil *Metrics records nothing.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// StartMetricsServer serves the metrics endpoint when an address is set.
func (t *Telemetry) StartMetricsServer() {
	t.metricsServer = t.Metrics.Serve(func(err error) {
		t.Logger.Error().Err(err).Str("addr", t.Metrics.addr).Msg("Metrics server stopped")
	})
}

// Shutdown flushes spans, stops the metrics server and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.logFile.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type runSpanKey struct{}

type packageSpanKey struct{}

// WithRunContext marks ctx as belonging to run runID. Loggers derived with
// FromContext carry the run id and environment. With telemetry in ctx the
// run span is started and counted.
func WithRunContext(ctx context.Context, runID, environment string) context.Context {
	s := scopeOf(ctx)
	s.runID, s.environment = runID, environment
	ctx = withScope(ctx, s)

	t := FromTelemetryContext(ctx)
	if t == nil {
		return ctx
	}
	t.Metrics.RecordRunStarted()
	ctx, span := t.Tracer.StartRunSpan(ctx, runID, environment)
	return context.WithValue(ctx, runSpanKey{}, span)
}

// EndRunContext ends the run span and records the run.
func EndRunContext(ctx context.Context, status string, timer *Timer, err error) {
	t := FromTelemetryContext(ctx)
	if t == nil {
		return
	}
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		EndSpan(span, err)
	}
	t.Metrics.RecordRunCompleted(status, timer.Duration())
}

// WithPackageContext marks ctx as belonging to package name and starts its
// span when telemetry is present.
func WithPackageContext(ctx context.Context, name, version string) context.Context {
	s := scopeOf(ctx)
	s.pkg, s.version = name, version
	ctx = withScope(ctx, s)

	t := FromTelemetryContext(ctx)
	if t == nil {
		return ctx
	}
	ctx, span := t.Tracer.StartPackageSpan(ctx, name, version)
	return context.WithValue(ctx, packageSpanKey{}, span)
}

// EndPackageContext ends the package span and records the terminal phase.
func EndPackageContext(ctx context.Context, phase string, timer *Timer, err error) {
	t := FromTelemetryContext(ctx)
	if t == nil {
		return
	}
	if span, ok := ctx.Value(packageSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrPhase.String(phase))
		EndSpan(span, err)
	}
	t.Metrics.RecordPackageFinished(phase, timer.Duration())
}
