package telemetry

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Settings selects where selfie sends its logs, spans and metrics.
type Settings struct {
	// Version is reported as service.version on spans.
	Version string

	// Environment is the package environment of the invocation.
	Environment string

	// LogLevel is a zerolog level name.
	LogLevel string

	// LogFormat is console or json.
	LogFormat string

	// LogOutput is stdout, stderr or a file path. Files are appended to.
	LogOutput string

	// Color enables colored console logs on a terminal.
	Color bool

	// TraceExporter is one of the Exporter constants.
	TraceExporter string

	// TraceEndpoint is the OTLP collector address.
	TraceEndpoint string

	// MetricsAddr serves Prometheus metrics on /metrics when set.
	MetricsAddr string
}

// DefaultSettings logs info and above to stderr, leaving stdout to the
// command output. Tracing and metrics are off.
func DefaultSettings() Settings {
	return Settings{
		Version:       "dev",
		LogLevel:      "info",
		LogFormat:     "console",
		LogOutput:     "stderr",
		Color:         true,
		TraceExporter: ExporterNone,
	}
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil || s.LogLevel == "" {
		return fmt.Errorf("invalid log level %q", s.LogLevel)
	}
	if s.LogFormat != "console" && s.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q, want console or json", s.LogFormat)
	}

	switch s.TraceExporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if s.TraceEndpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter %q", s.TraceExporter)
	}
	return nil
}

func (s Settings) tracing() bool {
	return s.TraceExporter != "" && s.TraceExporter != ExporterNone
}
