package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvEnvironment      = "SELFIE_ENVIRONMENT"
	EnvPackageDirectory = "SELFIE_PACKAGE_DIRECTORY"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.config/selfie/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "selfie", "config.yaml")
	}
	return filepath.Join(home, ".config", "selfie", "config.yaml")
}

// Default returns the configuration used when no file sets a value.
func Default() *AppConfig {
	return &AppConfig{
		PackageDirectory: "~/.config/selfie/packages",
		CommandTimeout:   60,
		GracePeriod:      5,
		StopOnError:      true,
		MaxParallel:      4,
		UseColors:        true,
		HistoryPath:      "~/.local/state/selfie/history.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Tracing: "none",
		},
	}
}

// Loader reads and validates configuration files.
type Loader struct {
	schemas *SchemaRegistry
	getenv  func(string) string
}

// NewLoader creates a loader that checks documents against schemas.
func NewLoader(schemas *SchemaRegistry) *Loader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Loader{schemas: schemas, getenv: os.Getenv}
}

// Load reads the file at path over the defaults. A missing file is not an
// error when path is the default location.
func (l *Loader) Load(path string) (*AppConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()

	data, err := os.ReadFile(expandPath(path))
	switch {
	case err == nil:
		if err := l.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	l.applyEnv(cfg)
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document without reading the
// environment.
func (l *Loader) Parse(data []byte) (*AppConfig, error) {
	cfg := Default()
	if err := l.decode(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) decode(data []byte, cfg *AppConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := l.schemas.ValidateConfig(doc); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

func (l *Loader) applyEnv(cfg *AppConfig) {
	if v := l.getenv(EnvEnvironment); v != "" {
		cfg.Environment = v
	}
	if v := l.getenv(EnvPackageDirectory); v != "" {
		cfg.PackageDirectory = v
	}
}

// Load reads path with a default loader.
func Load(path string) (*AppConfig, error) {
	return NewLoader(nil).Load(path)
}

// Validate checks the struct constraints.
func (c *AppConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Overrides are command-line values that take precedence over the file.
// Empty strings and false leave the file value alone.
type Overrides struct {
	Environment      string
	PackageDirectory string
	PolicyDirectory  string
	MetricsAddr      string
	Verbose          bool
	NoColor          bool
}

// Apply merges o into c and validates the result.
func (c *AppConfig) Apply(o Overrides) error {
	if o.Environment != "" {
		c.Environment = o.Environment
	}
	if o.PackageDirectory != "" {
		c.PackageDirectory = expandPath(o.PackageDirectory)
	}
	if o.PolicyDirectory != "" {
		c.PolicyDirectory = expandPath(o.PolicyDirectory)
	}
	if o.MetricsAddr != "" {
		c.Telemetry.MetricsAddr = o.MetricsAddr
	}
	if o.Verbose {
		c.Verbose = true
	}
	if o.NoColor {
		c.UseColors = false
	}
	return c.Validate()
}

// YAML renders the configuration as a YAML document.
func (c *AppConfig) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *AppConfig) expand() {
	c.PackageDirectory = expandPath(c.PackageDirectory)
	c.HistoryPath = expandPath(c.HistoryPath)
	c.PolicyDirectory = expandPath(c.PolicyDirectory)
	if c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		c.Logging.Output = expandPath(c.Logging.Output)
	}
	if c.Remote != nil {
		c.Remote.PrivateKey = expandPath(c.Remote.PrivateKey)
		c.Remote.KnownHosts = expandPath(c.Remote.KnownHosts)
	}
}

// expandPath expands a leading ~ and $VAR references.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
