package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/selfie-sh/selfie/pkg/progress"
	"github.com/selfie-sh/selfie/pkg/telemetry"
)

// Installer drives one package through its state machine: check, then
// install when the check does not find the package.
type Installer struct {
	runner      CommandRunner
	sink        progress.Sink
	logger      zerolog.Logger
	timeout     time.Duration
	gracePeriod time.Duration
	kill        <-chan struct{}
}

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	// Timeout bounds each command.
	Timeout time.Duration

	// GracePeriod is the time between the termination signal and the kill.
	GracePeriod time.Duration

	// Kill force-kills running commands when closed.
	Kill <-chan struct{}
}

// NewInstaller creates an installer that runs commands through runner and
// reports transitions to sink.
func NewInstaller(runner CommandRunner, sink progress.Sink, logger zerolog.Logger, cfg InstallerConfig) *Installer {
	if sink == nil {
		sink = progress.Discard
	}
	return &Installer{
		runner:      runner,
		sink:        sink,
		logger:      logger.With().Str("component", "installer").Logger(),
		timeout:     cfg.Timeout,
		gracePeriod: cfg.GracePeriod,
		kill:        cfg.Kill,
	}
}

// Install runs the check and install commands of inst under cfg. inst must
// be NotStarted. On return inst holds a terminal status. Cancellation of ctx
// is treated as an interrupt: the running command is terminated and the
// package ends Failed("interrupted").
//
// The returned error is non-nil only when the state machine was misused.
func (i *Installer) Install(ctx context.Context, inst *PackageInstallation, cfg EnvironmentConfig) error {
	log := telemetry.FromContext(ctx, i.logger)

	if err := i.transition(ctx, inst, StatusOf(PhaseChecking), "checking"); err != nil {
		return err
	}

	installed, err := i.check(ctx, inst, cfg, log)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	if installed {
		return i.transition(ctx, inst, StatusOf(PhaseAlreadyInstalled), "already installed")
	}

	if ctx.Err() != nil {
		return i.interrupt(ctx, inst)
	}

	if err := i.transition(ctx, inst, StatusOf(PhaseInstalling), "installing"); err != nil {
		return err
	}

	outcome, execErr := i.execute(ctx, inst.Name, "install", cfg.Install, cfg.Shell)
	inst.Install = outcome

	switch {
	case execErr != nil:
		log.Error().Err(execErr).Msg("install command could not run")
		inst.Error = NewExecutionError("install command could not run", execErr).
			WithCode(ErrCodeCommandFailed).WithResource(inst.Name).WithOperation("install")
		return i.fail(ctx, inst, ReasonExecutionError(execErr))

	case outcome.Termination == TerminationInterrupted:
		return i.interrupt(ctx, inst)

	case outcome.Termination == TerminationTimedOut:
		log.Warn().Dur("timeout", i.timeout).Msg("install command timed out")
		inst.Error = NewTimeoutError(inst.Name, cfg.Install, i.timeout).WithOperation("install")
		return i.fail(ctx, inst, ReasonTimeout)

	case outcome.Succeeded():
		log.Info().Dur("duration", outcome.Duration).Msg("package installed")
		return i.transition(ctx, inst, StatusOf(PhaseComplete), "installed")

	case outcome.Termination == TerminationSignaled:
		inst.Error = NewCommandFailedError(inst.Name, cfg.Install, outcome).WithOperation("install")
		return i.fail(ctx, inst, ReasonSignaled)

	default:
		log.Warn().Int("exit_code", outcome.ExitCode).Msg("install command failed")
		inst.Error = NewCommandFailedError(inst.Name, cfg.Install, outcome).WithOperation("install")
		return i.fail(ctx, inst, ReasonExitCode(outcome.ExitCode))
	}
}

// check runs the check command and moves inst to NotInstalled or reports
// that the package is present. A missing check command, a failing check and
// a check that cannot run all mean "not installed".
func (i *Installer) check(ctx context.Context, inst *PackageInstallation, cfg EnvironmentConfig, log zerolog.Logger) (bool, error) {
	if cfg.Check == "" {
		return false, i.transition(ctx, inst, StatusOf(PhaseNotInstalled), "no check command, assuming not installed")
	}

	outcome, err := i.execute(ctx, inst.Name, "check", cfg.Check, cfg.Shell)
	inst.Check = outcome

	switch {
	case err != nil:
		log.Warn().Err(err).Msg("check command could not run")
		i.sink.Emit(progress.Warning(inst.Name, fmt.Sprintf("check command could not run: %v", err)))
	case outcome.Termination == TerminationInterrupted:
		return false, i.interrupt(ctx, inst)
	case outcome.Succeeded():
		return true, nil
	case outcome.Termination == TerminationTimedOut:
		i.sink.Emit(progress.Warning(inst.Name, "check command timed out"))
	}

	return false, i.transition(ctx, inst, StatusOf(PhaseNotInstalled), "not installed")
}

// execute runs one command, forwarding its output lines to the sink.
func (i *Installer) execute(ctx context.Context, pkg, kind, command, shell string) (*CommandOutcome, error) {
	var span trace.Span
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		ctx, span = tel.Tracer.StartCommandSpan(ctx, pkg, kind)
	}

	req := CommandRequest{
		Command:     command,
		Shell:       shell,
		Timeout:     i.timeout,
		GracePeriod: i.gracePeriod,
		Kill:        i.kill,
	}

	outcome, err := i.runner.Execute(ctx, req, func(line OutputLine) {
		i.sink.Emit(progress.Message{
			Kind:     progress.KindStatus,
			Package:  pkg,
			Text:     line.Text,
			Severity: progress.SeverityDebug,
			Stream:   string(line.Stream),
		})
	})

	metrics := telemetry.MetricsFromContext(ctx)
	if err != nil {
		if span != nil {
			telemetry.EndSpan(span, err)
		}
		metrics.RecordCommand(kind, "spawn_error", 0)
		return nil, err
	}
	if span != nil {
		span.SetAttributes(
			telemetry.AttrTermination.String(string(outcome.Termination)),
			telemetry.AttrExitCode.Int(outcome.ExitCode),
		)
		span.End()
	}
	metrics.RecordCommand(kind, string(outcome.Termination), outcome.Duration)

	return outcome, nil
}

func (i *Installer) interrupt(ctx context.Context, inst *PackageInstallation) error {
	inst.Error = NewCancellationError("installation interrupted", nil).
		WithCode(ErrCodeInterrupted).WithResource(inst.Name)
	return i.fail(ctx, inst, ReasonInterrupted)
}

func (i *Installer) fail(ctx context.Context, inst *PackageInstallation, reason string) error {
	if err := inst.Transition(Failed(reason)); err != nil {
		return err
	}
	telemetry.AddPackageEvent(trace.SpanFromContext(ctx), inst.Name, string(PhaseFailed), reason)
	i.sink.Emit(progress.Message{
		Kind:     progress.KindError,
		Package:  inst.Name,
		Text:     fmt.Sprintf("failed: %s", reason),
		Severity: progress.SeverityError,
		Phase:    string(PhaseFailed),
	})
	return nil
}

func (i *Installer) transition(ctx context.Context, inst *PackageInstallation, next InstallationStatus, text string) error {
	if err := inst.Transition(next); err != nil {
		return err
	}
	telemetry.AddPackageEvent(trace.SpanFromContext(ctx), inst.Name, string(next.Phase), text)
	i.sink.Emit(progress.Message{
		Kind:     progress.KindStatus,
		Package:  inst.Name,
		Text:     text,
		Severity: progress.SeverityInfo,
		Phase:    string(next.Phase),
	})
	return nil
}
