package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/config"
	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/policy"
	"github.com/selfie-sh/selfie/pkg/repository"
	"github.com/selfie-sh/selfie/pkg/shell"
	"github.com/selfie-sh/selfie/pkg/stores"
	"github.com/selfie-sh/selfie/pkg/telemetry"
	"github.com/selfie-sh/selfie/pkg/transports/ssh"
)

// errHistoryDisabled is returned by commands that need the history store
// when history_path is empty.
var errHistoryDisabled = errors.New("installation history is disabled (history_path is empty)")

// availabilityChecker is implemented by runners that can look up programs
// on the host they run commands on.
type availabilityChecker interface {
	IsAvailable(ctx context.Context, name string) bool
}

// app is the state shared by the commands of one invocation.
type app struct {
	opts    *globalOptions
	config  *config.AppConfig
	schemas *config.SchemaRegistry
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	repo    *repository.Repository
	ui      *ui

	closers []func() error
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig(opts *globalOptions, schemas *config.SchemaRegistry) (*config.AppConfig, error) {
	cfg, err := config.NewLoader(schemas).Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(config.Overrides{
		Environment:      opts.environment,
		PackageDirectory: opts.packageDir,
		PolicyDirectory:  opts.policyDir,
		MetricsAddr:      opts.metricsAddr,
		Verbose:          opts.verbose,
		NoColor:          opts.noColor,
	}); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	schemas := config.NewSchemaRegistry()
	cfg, err := loadConfig(opts, schemas)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cfg.TelemetrySettings(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	logger := tel.Logger
	a := &app{
		opts:    opts,
		config:  cfg,
		schemas: schemas,
		tel:     tel,
		logger:  logger,
		repo:    repository.New(cfg.PackageDirectory, schemas, logger),
		ui:      newUI(output(cmd), cfg.UseColors, opts.jsonOutput),
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})
	return a, nil
}

// context attaches telemetry to ctx.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// close releases everything the app opened, last opened first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Cleanup failed")
		}
	}
}

// runner returns the command runner for the configured target: the local
// shell, or an SSH connection when a remote is configured.
func (a *app) runner(ctx context.Context) (engine.CommandRunner, error) {
	if a.config.Remote == nil {
		return shell.New(shell.WithLogger(a.logger)), nil
	}

	client, err := ssh.NewClient(a.config.Remote.SSHConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid remote configuration: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", a.config.Remote.Host, err)
	}
	a.closers = append(a.closers, client.Close)

	a.logger.Info().Str("host", a.config.Remote.Host).Msg("Connected to remote host")
	return ssh.NewRunner(client, a.logger), nil
}

// environment returns the configured environment, or detects it from the
// host facts collected through runner. A configured environment must be
// defined by at least one package.
func (a *app) environment(ctx context.Context, runner engine.CommandRunner, records []engine.PackageRecord) (string, error) {
	known := engine.KnownEnvironments(records)
	if env := a.config.Environment; env != "" {
		if err := engine.CheckEnvironment(env, known); err != nil {
			return "", err
		}
		return env, nil
	}

	facts, err := engine.CollectFacts(ctx, runner)
	if err != nil {
		return "", fmt.Errorf("failed to detect the environment, set --environment: %w", err)
	}

	env := facts.SuggestEnvironment(known)
	if env == "" {
		return "", fmt.Errorf("no environment matches this host (%s), set --environment; known environments: %v",
			facts.OS, known)
	}
	a.logger.Debug().Str("environment", env).Str("os", facts.OS).Str("distro", facts.Distro).Msg("Detected environment")
	return env, nil
}

// store opens the history store, or returns errHistoryDisabled.
func (a *app) store(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.config.HistoryPath == "" {
		return nil, errHistoryDisabled
	}

	store, err := stores.Open(ctx, stores.Config{
		Path:   a.config.HistoryPath,
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// policies creates the policy engine with the built-in policies and those
// of the policy directory.
func (a *app) policies(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policies: %w", err)
	}
	if dir := a.config.PolicyDirectory; dir != "" {
		if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", dir, err)
		}
	}
	return eng, nil
}
