package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/selfie-sh/selfie"

// Span attributes.
var (
	AttrRunID          = attribute.Key("selfie.run.id")
	AttrRunStatus      = attribute.Key("selfie.run.status")
	AttrEnvironment    = attribute.Key("selfie.environment")
	AttrPackage        = attribute.Key("selfie.package.name")
	AttrPackageVersion = attribute.Key("selfie.package.version")
	AttrPhase          = attribute.Key("selfie.package.phase")
	AttrCommandKind    = attribute.Key("selfie.command.kind")
	AttrTermination    = attribute.Key("selfie.command.termination")
	AttrExitCode       = attribute.Key("selfie.command.exit_code")
)

// Tracer produces the run, package and command spans. A run span parents
// one span per package, which parents the check and install commands.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer for s. Without an exporter the tracer hands
// out non-recording spans.
func NewTracer(s Settings) (*Tracer, error) {
	if !s.tracing() {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	exporter, err := newExporter(s)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", s.TraceExporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String("selfie"),
		semconv.ServiceVersionKey.String(s.Version),
		AttrEnvironment.String(s.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentationName)}, nil
}

func newExporter(s Settings) (sdktrace.SpanExporter, error) {
	switch s.TraceExporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(s.TraceEndpoint),
			otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("selfie/"+s.Version)),
		)
	default:
		return nil, fmt.Errorf("unsupported exporter")
	}
}

// StartRunSpan starts the span of an installation run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, environment string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "selfie.run",
		trace.WithAttributes(AttrRunID.String(runID), AttrEnvironment.String(environment)))
}

// StartPackageSpan starts the span of one package's check and install.
func (t *Tracer) StartPackageSpan(ctx context.Context, name, version string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "selfie.package "+name,
		trace.WithAttributes(AttrPackage.String(name), AttrPackageVersion.String(version)))
}

// StartCommandSpan starts the span of a check or install command.
func (t *Tracer) StartCommandSpan(ctx context.Context, name, kind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "selfie.command "+kind,
		trace.WithAttributes(AttrPackage.String(name), AttrCommandKind.String(kind)))
}

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddPackageEvent records a package phase change on span.
func AddPackageEvent(span trace.Span, name, phase, text string) {
	span.AddEvent("phase "+phase, trace.WithAttributes(
		AttrPackage.String(name),
		AttrPhase.String(phase),
		attribute.String("message", text),
	))
}
