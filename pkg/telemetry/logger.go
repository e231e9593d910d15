package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the application logger. The returned closer releases a
// log file and is a no-op for the standard streams.
func NewLogger(s Settings) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var out *os.File
	var closer io.Closer = nopCloser{}
	switch s.LogOutput {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(s.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out, closer = f, f
	}

	var w io.Writer = out
	if s.LogFormat == "console" {
		fd := out.Fd()
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.TimeOnly,
			NoColor:    !s.Color || !(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)),
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// scope holds the run and package a context belongs to.
type scope struct {
	runID       string
	environment string
	pkg         string
	version     string
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, s scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns base extended with the run, package and trace of ctx.
// Components keep their own logger and call this per operation so every
// line of a run can be correlated.
func FromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	s := scopeOf(ctx)
	span := trace.SpanContextFromContext(ctx)
	if s == (scope{}) && !span.IsValid() {
		return base
	}

	zc := base.With()
	if s.runID != "" {
		zc = zc.Str("run_id", s.runID)
	}
	if s.environment != "" {
		zc = zc.Str("environment", s.environment)
	}
	if s.pkg != "" {
		zc = zc.Str("package", s.pkg)
	}
	if s.version != "" {
		zc = zc.Str("version", s.version)
	}
	if span.IsValid() {
		zc = zc.Str("trace_id", span.TraceID().String())
	}
	return zc.Logger()
}
