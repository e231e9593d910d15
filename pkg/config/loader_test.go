package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfie-sh/selfie/pkg/telemetry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testLoader(env map[string]string) *Loader {
	l := NewLoader(nil)
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts := cfg.RunOptions()
	assert.Equal(t, 4, opts.Concurrency)
	assert.True(t, opts.StopOnError)
	assert.Equal(t, 60*time.Second, opts.CommandTimeout)
	assert.Equal(t, 5*time.Second, opts.GracePeriod)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: macos
package_directory: /opt/packages
max_parallel: 2
stop_on_error: false
`)

	cfg, err := testLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "macos", cfg.Environment)
	assert.Equal(t, "/opt/packages", cfg.PackageDirectory)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.False(t, cfg.StopOnError)
	assert.Equal(t, 60, cfg.CommandTimeout, "unset keys keep their defaults")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "environment: macos\n")

	cfg, err := testLoader(map[string]string{
		EnvEnvironment:      "ubuntu",
		EnvPackageDirectory: "/srv/packages",
	}).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ubuntu", cfg.Environment)
	assert.Equal(t, "/srv/packages", cfg.PackageDirectory)
}

func TestLoad_ExpandsPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("SELFIE_TEST_ROOT", "/data")

	path := writeConfig(t, `
package_directory: ~/packages
history_path: $SELFIE_TEST_ROOT/history.db
`)

	cfg, err := testLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "packages"), cfg.PackageDirectory)
	assert.Equal(t, "/data/history.db", cfg.HistoryPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := testLoader(nil).Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "max_parallel: [\n"},
		{"schema violation", "max_parallel: 0\n"},
		{"zero command timeout", "command_timeout: 0\n"},
		{"negative command timeout", "command_timeout: -5\n"},
		{"unknown key", "colour: true\n"},
		{"bad log level", "logging: {level: loud}\n"},
		{"otlp without endpoint", "telemetry: {tracing: otlp}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader(nil).Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := NewLoader(nil).Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxParallel, cfg.MaxParallel)
}

func TestParse_ZeroCommandTimeout(t *testing.T) {
	cfg, err := NewLoader(nil).Parse([]byte("package_directory: /tmp/pkgs\ncommand_timeout: 0\n"))
	require.Error(t, err)
	assert.Nil(t, cfg)

	cfg = Default()
	cfg.CommandTimeout = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CommandTimeout must be greater than 0")
}

func TestValidate_Messages(t *testing.T) {
	cfg := Default()
	cfg.MaxParallel = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxParallel must be at least 1")
	assert.Contains(t, err.Error(), "Logging.Format must be one of")
}

func TestRemoteConfig_SSHConfig(t *testing.T) {
	strict := false
	remote := &RemoteConfig{
		Host:                  "build-box",
		User:                  "deploy",
		Port:                  2222,
		Auth:                  "password",
		Password:              "secret",
		StrictHostKeyChecking: &strict,
		ConnectionTimeout:     5,
	}

	cfg := remote.SSHConfig()
	assert.Equal(t, "build-box:2222", cfg.Address())
	assert.False(t, cfg.StrictHostKeyChecking)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestTelemetrySettings(t *testing.T) {
	cfg := Default()
	cfg.Verbose = true
	cfg.Telemetry.MetricsAddr = ":9464"
	cfg.Telemetry.Tracing = "stdout"

	ts := cfg.TelemetrySettings("1.2.3")
	assert.Equal(t, "debug", ts.LogLevel)
	assert.Equal(t, ":9464", ts.MetricsAddr)
	assert.Equal(t, telemetry.ExporterStdout, ts.TraceExporter)
	assert.Equal(t, "1.2.3", ts.Version)
	require.NoError(t, ts.Validate())

	cfg.Telemetry.Tracing = "otlp"
	assert.Error(t, cfg.TelemetrySettings("1.2.3").Validate(), "otlp needs an endpoint")
}

func TestAppConfig_YAML(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)

	cfg, err := NewLoader(nil).Parse(out)
	require.NoError(t, err)
	assert.Equal(t, Default().MaxParallel, cfg.MaxParallel)
}

func TestApply_Overrides(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	cfg.Environment = "macos"
	require.NoError(t, cfg.Apply(Overrides{
		PackageDirectory: "~/dotfiles/packages",
		MetricsAddr:      ":9000",
		NoColor:          true,
	}))

	assert.Equal(t, "macos", cfg.Environment, "empty overrides keep the file value")
	assert.Equal(t, filepath.Join(home, "dotfiles", "packages"), cfg.PackageDirectory)
	assert.Equal(t, ":9000", cfg.Telemetry.MetricsAddr)
	assert.False(t, cfg.UseColors)
	assert.False(t, cfg.Verbose)

	assert.Error(t, cfg.Apply(Overrides{Environment: strings.Repeat("x", 65)}))
}
