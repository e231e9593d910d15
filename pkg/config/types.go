package config

import (
	"time"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/telemetry"
	"github.com/selfie-sh/selfie/pkg/transports/ssh"
)

// AppConfig is the user configuration file.
type AppConfig struct {
	// Environment selects the package environment, such as "macos".
	// Empty means detect it from the host.
	Environment string `yaml:"environment" json:"environment" validate:"omitempty,max=64"`

	// PackageDirectory holds the package definition files.
	PackageDirectory string `yaml:"package_directory" json:"package_directory" validate:"required"`

	// CommandTimeout bounds each check and install command, in seconds.
	CommandTimeout int `yaml:"command_timeout" json:"command_timeout" validate:"gt=0"`

	// GracePeriod is the time between SIGTERM and SIGKILL, in seconds.
	GracePeriod int `yaml:"grace_period" json:"grace_period" validate:"gte=0"`

	// StopOnError stops dispatching new packages after the first failure.
	StopOnError bool `yaml:"stop_on_error" json:"stop_on_error"`

	// MaxParallel is the maximum number of concurrent installations.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel" validate:"gte=1,lte=64"`

	// Verbose streams command output to the console.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// UseColors enables colored output when the terminal supports it.
	UseColors bool `yaml:"use_colors" json:"use_colors"`

	// HistoryPath is the SQLite installation history. Empty disables history.
	HistoryPath string `yaml:"history_path" json:"history_path"`

	// PolicyDirectory holds additional .rego command policies.
	PolicyDirectory string `yaml:"policy_directory,omitempty" json:"policy_directory,omitempty"`

	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Remote installs packages on another host over SSH.
	Remote *RemoteConfig `yaml:"remote,omitempty" json:"remote,omitempty" validate:"omitempty"`
}

// LoggingConfig configures the application log.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"required"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	// Tracing selects the span exporter.
	Tracing string `yaml:"tracing" json:"tracing" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"required_if=Tracing otlp"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
}

// RemoteConfig is the SSH target packages are installed on.
type RemoteConfig struct {
	Host                  string `yaml:"host" json:"host" validate:"required"`
	Port                  int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User                  string `yaml:"user" json:"user" validate:"required"`
	Auth                  string `yaml:"auth,omitempty" json:"auth,omitempty" validate:"omitempty,oneof=key password agent"`
	Password              string `yaml:"password,omitempty" json:"-"`
	PrivateKey            string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	Passphrase            string `yaml:"passphrase,omitempty" json:"-"`
	KnownHosts            string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	StrictHostKeyChecking *bool  `yaml:"strict_host_key_checking,omitempty" json:"strict_host_key_checking,omitempty"`
	ConnectionTimeout     int    `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty" validate:"gte=0"`
}

// RunOptions converts the configuration into orchestrator options.
func (c *AppConfig) RunOptions() engine.RunOptions {
	opts := engine.DefaultRunOptions()
	opts.Concurrency = c.MaxParallel
	opts.StopOnError = c.StopOnError
	opts.CommandTimeout = time.Duration(c.CommandTimeout) * time.Second
	opts.GracePeriod = time.Duration(c.GracePeriod) * time.Second
	return opts
}

// TelemetrySettings converts the configuration into telemetry settings.
func (c *AppConfig) TelemetrySettings(version string) telemetry.Settings {
	s := telemetry.DefaultSettings()
	s.Version = version
	s.Environment = c.Environment
	s.LogLevel = c.Logging.Level
	s.LogFormat = c.Logging.Format
	s.LogOutput = c.Logging.Output
	s.Color = c.UseColors
	if c.Verbose && c.Logging.Level == "info" {
		s.LogLevel = "debug"
	}
	if c.Telemetry.Tracing != "" {
		s.TraceExporter = c.Telemetry.Tracing
	}
	s.TraceEndpoint = c.Telemetry.Endpoint
	s.MetricsAddr = c.Telemetry.MetricsAddr
	return s
}

// SSHConfig converts the remote target into transport settings.
func (r *RemoteConfig) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(r.Host, r.User)
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if r.Auth != "" {
		cfg.AuthMethod = ssh.AuthMethod(r.Auth)
	}
	cfg.Password = r.Password
	cfg.PrivateKeyPath = r.PrivateKey
	cfg.PrivateKeyPassphrase = r.Passphrase
	if r.KnownHosts != "" {
		cfg.KnownHostsPath = r.KnownHosts
	}
	if r.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *r.StrictHostKeyChecking
	}
	if r.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = time.Duration(r.ConnectionTimeout) * time.Second
	}
	return cfg
}
