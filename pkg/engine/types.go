package engine

import (
	"fmt"
	"time"
)

// PackageInstallation is the runtime record of one package in one run.
// It is owned by the orchestrator, and by exactly one worker while the
// package's commands run.
type PackageInstallation struct {
	// Name is the package name.
	Name string `json:"name"`

	// Version is the package version.
	Version string `json:"version"`

	// Status is the current installation status.
	Status InstallationStatus `json:"status"`

	// Dependencies are the resolved dependency names.
	Dependencies []string `json:"dependencies,omitempty"`

	// StartedAt is when the package left NotStarted. Zero for packages that
	// never ran.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Duration is the time from StartedAt to the terminal status.
	Duration time.Duration `json:"duration"`

	// Check is the outcome of the check command, if it ran.
	Check *CommandOutcome `json:"check,omitempty"`

	// Install is the outcome of the install command, if it ran.
	Install *CommandOutcome `json:"install,omitempty"`

	// Error explains a Failed or Skipped status.
	Error *EngineError `json:"error,omitempty"`

	// history lists every status the package has held.
	history []InstallationStatus
}

// NewPackageInstallation creates a record in NotStarted.
func NewPackageInstallation(name, version string, dependencies []string) *PackageInstallation {
	return &PackageInstallation{
		Name:         name,
		Version:      version,
		Status:       NotStarted(),
		Dependencies: dependencies,
		history:      []InstallationStatus{NotStarted()},
	}
}

// Transition moves the package to next. It fails when the state machine
// does not allow the move.
func (p *PackageInstallation) Transition(next InstallationStatus) error {
	if !p.Status.Phase.CanTransition(next.Phase) {
		return NewInternalError(fmt.Sprintf("illegal transition %s -> %s", p.Status, next), nil).
			WithCode(ErrCodeValidation).WithResource(p.Name)
	}

	now := time.Now()
	if p.Status.Phase == PhaseNotStarted && next.Phase != PhaseSkipped {
		p.StartedAt = now
	}
	if next.IsTerminal() && !p.StartedAt.IsZero() {
		p.Duration = now.Sub(p.StartedAt)
	}

	p.Status = next
	p.history = append(p.history, next)
	return nil
}

// History returns every status the package has held, oldest first.
func (p *PackageInstallation) History() []InstallationStatus {
	return append([]InstallationStatus(nil), p.history...)
}

// Output returns the captured check and install output, in that order.
func (p *PackageInstallation) Output() []OutputLine {
	var lines []OutputLine
	lines = append(lines, p.Check.Lines()...)
	lines = append(lines, p.Install.Lines()...)
	return lines
}

// RunSummary counts packages by terminal phase.
type RunSummary struct {
	// Total is the number of packages in the run.
	Total int `json:"total"`

	// Complete is the number of packages installed by this run.
	Complete int `json:"complete"`

	// AlreadyInstalled is the number of packages whose check succeeded.
	AlreadyInstalled int `json:"already_installed"`

	// Failed is the number of packages that ran and failed.
	Failed int `json:"failed"`

	// Skipped is the number of packages that never ran their commands.
	Skipped int `json:"skipped"`
}

// RunReport is the outcome of one orchestration pass.
type RunReport struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Environment is the environment the run installed for.
	Environment string `json:"environment"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last package reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the wall-clock time of the run. Packages run in parallel,
	// so it is usually less than the sum of package durations.
	Duration time.Duration `json:"duration"`

	// Order is the installation order the run followed.
	Order []string `json:"order"`

	// Packages holds the final record of every package, in Order.
	Packages []*PackageInstallation `json:"packages"`

	// Summary counts packages by terminal phase.
	Summary RunSummary `json:"summary"`

	// Errors lists the compatibility errors found during the run.
	Errors []*EngineError `json:"errors,omitempty"`

	// Interrupted is true if the run was cancelled.
	Interrupted bool `json:"interrupted"`
}

// Package returns the record for name.
func (r *RunReport) Package(name string) *PackageInstallation {
	for _, p := range r.Packages {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Statuses maps each package name to its final status.
func (r *RunReport) Statuses() map[string]InstallationStatus {
	out := make(map[string]InstallationStatus, len(r.Packages))
	for _, p := range r.Packages {
		out[p.Name] = p.Status
	}
	return out
}

// PackageTime returns the sum of package durations.
func (r *RunReport) PackageTime() time.Duration {
	var total time.Duration
	for _, p := range r.Packages {
		total += p.Duration
	}
	return total
}

func summarize(packages []*PackageInstallation) RunSummary {
	summary := RunSummary{Total: len(packages)}
	for _, p := range packages {
		switch p.Status.Phase {
		case PhaseComplete:
			summary.Complete++
		case PhaseAlreadyInstalled:
			summary.AlreadyInstalled++
		case PhaseFailed:
			summary.Failed++
		case PhaseSkipped:
			summary.Skipped++
		}
	}
	return summary
}

// RunOptions controls a run.
type RunOptions struct {
	// Concurrency is the maximum number of packages installing at once.
	Concurrency int `json:"concurrency"`

	// StopOnError halts new dispatch after the first failure.
	StopOnError bool `json:"stop_on_error"`

	// CommandTimeout bounds each check and install command.
	CommandTimeout time.Duration `json:"command_timeout"`

	// GracePeriod is the time a terminated command is given before it is killed.
	GracePeriod time.Duration `json:"grace_period"`
}

// DefaultRunOptions returns the default run options.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Concurrency:    4,
		StopOnError:    true,
		CommandTimeout: DefaultCommandTimeout,
		GracePeriod:    5 * time.Second,
	}
}

// Validate checks the options.
func (o RunOptions) Validate() error {
	if o.Concurrency < 1 {
		return NewInternalError(fmt.Sprintf("concurrency must be at least 1, got %d", o.Concurrency), nil).
			WithCode(ErrCodeValidation)
	}
	if o.CommandTimeout <= 0 {
		return NewInternalError(fmt.Sprintf("command timeout must be greater than 0, got %s", o.CommandTimeout), nil).
			WithCode(ErrCodeValidation)
	}
	if o.GracePeriod < 0 {
		return NewInternalError("grace period must not be negative", nil).WithCode(ErrCodeValidation)
	}
	return nil
}
