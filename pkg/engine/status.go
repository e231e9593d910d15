package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall outcome of an installation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is still executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every package ended satisfied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one package failed or was skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the run was stopped by an interrupt.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusInterrupted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// Phase is the position of a package in its installation state machine.
type Phase string

const (
	// PhaseNotStarted indicates the package has not been picked up yet.
	PhaseNotStarted Phase = "not_started"

	// PhaseChecking indicates the check command is running.
	PhaseChecking Phase = "checking"

	// PhaseNotInstalled indicates the check found the package absent.
	PhaseNotInstalled Phase = "not_installed"

	// PhaseAlreadyInstalled indicates the check found the package present.
	PhaseAlreadyInstalled Phase = "already_installed"

	// PhaseInstalling indicates the install command is running.
	PhaseInstalling Phase = "installing"

	// PhaseComplete indicates the install command exited 0.
	PhaseComplete Phase = "complete"

	// PhaseFailed indicates the package ran and failed.
	PhaseFailed Phase = "failed"

	// PhaseSkipped indicates the package never ran its commands.
	PhaseSkipped Phase = "skipped"
)

// transitions lists the legal next phases for every non-terminal phase.
// A run visits each phase at most once.
var transitions = map[Phase][]Phase{
	PhaseNotStarted:   {PhaseChecking, PhaseSkipped},
	PhaseChecking:     {PhaseAlreadyInstalled, PhaseNotInstalled, PhaseFailed},
	PhaseNotInstalled: {PhaseInstalling, PhaseFailed},
	PhaseInstalling:   {PhaseComplete, PhaseFailed},
}

// IsTerminal returns true if no transition leaves the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseAlreadyInstalled || p == PhaseComplete ||
		p == PhaseFailed || p == PhaseSkipped
}

// IsActive returns true while a command for the package may be running.
func (p Phase) IsActive() bool {
	return p == PhaseChecking || p == PhaseNotInstalled || p == PhaseInstalling
}

// IsSatisfied returns true if dependents may proceed.
func (p Phase) IsSatisfied() bool {
	return p == PhaseAlreadyInstalled || p == PhaseComplete
}

// CanTransition reports whether the state machine allows moving from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseNotStarted, PhaseChecking, PhaseNotInstalled, PhaseAlreadyInstalled,
		PhaseInstalling, PhaseComplete, PhaseFailed, PhaseSkipped:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// Reasons attached to Failed and Skipped statuses.
const (
	ReasonTimeout                = "timeout"
	ReasonInterrupted            = "interrupted"
	ReasonIncompatibleDependency = "incompatible dependency"
	ReasonSignaled               = "killed by signal"
)

// ReasonExitCode describes a command that exited non-zero.
func ReasonExitCode(code int) string {
	return fmt.Sprintf("exit code %d", code)
}

// ReasonExecutionError describes a command that could not be run.
func ReasonExecutionError(err error) string {
	return fmt.Sprintf("execution error: %v", err)
}

// ReasonDependencyFailed describes a package skipped because a dependency
// did not end satisfied.
func ReasonDependencyFailed(dependency string) string {
	return fmt.Sprintf("dependency %s failed", dependency)
}

// ReasonDependencySkipped describes a package skipped because a dependency
// was itself skipped.
func ReasonDependencySkipped(dependency string) string {
	return fmt.Sprintf("dependency %s skipped", dependency)
}

// ReasonStopped describes a package skipped after another package failed
// with stop-on-error enabled.
func ReasonStopped(failed string) string {
	return fmt.Sprintf("stopped after failure of %s", failed)
}

// ReasonNotConfigured describes a package that defines no configuration for
// the environment.
func ReasonNotConfigured(env string) string {
	return fmt.Sprintf("not configured for environment %s", env)
}

// InstallationStatus is the state of one package in one run. Reason is set
// for Failed and Skipped only.
type InstallationStatus struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// NotStarted returns the initial status.
func NotStarted() InstallationStatus { return InstallationStatus{Phase: PhaseNotStarted} }

// Failed returns a Failed status with reason.
func Failed(reason string) InstallationStatus {
	return InstallationStatus{Phase: PhaseFailed, Reason: reason}
}

// Skipped returns a Skipped status with reason.
func Skipped(reason string) InstallationStatus {
	return InstallationStatus{Phase: PhaseSkipped, Reason: reason}
}

// StatusOf returns a status for a phase that carries no reason.
func StatusOf(p Phase) InstallationStatus { return InstallationStatus{Phase: p} }

// IsTerminal returns true if the status is final for the run.
func (s InstallationStatus) IsTerminal() bool { return s.Phase.IsTerminal() }

// IsSatisfied returns true for AlreadyInstalled and Complete.
func (s InstallationStatus) IsSatisfied() bool { return s.Phase.IsSatisfied() }

func (s InstallationStatus) String() string {
	var name string
	switch s.Phase {
	case PhaseNotStarted:
		name = "NotStarted"
	case PhaseChecking:
		name = "Checking"
	case PhaseNotInstalled:
		name = "NotInstalled"
	case PhaseAlreadyInstalled:
		name = "AlreadyInstalled"
	case PhaseInstalling:
		name = "Installing"
	case PhaseComplete:
		name = "Complete"
	case PhaseFailed:
		name = "Failed"
	case PhaseSkipped:
		name = "Skipped"
	default:
		name = string(s.Phase)
	}
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", name, s.Reason)
	}
	return name
}
