package engine

import (
	"context"
	"time"
)

// CommandRunner executes shell commands.
// This is the only way the engine touches the operating system.
type CommandRunner interface {
	// Execute runs req.Command under req.Shell and waits for it to finish.
	//
	// onLine is called synchronously for every complete line written to
	// stdout or stderr, and once more for a trailing partial line flushed at
	// exit. It is never called concurrently.
	//
	// A command that starts returns an outcome even when it fails or times
	// out. An error is returned only when the command could not be started.
	Execute(ctx context.Context, req CommandRequest, onLine OutputHandler) (*CommandOutcome, error)
}

// DefaultCommandTimeout bounds a command whose request sets no timeout.
const DefaultCommandTimeout = 60 * time.Second

// CommandRequest describes one command invocation.
type CommandRequest struct {
	// Command is the shell command line.
	Command string `json:"command"`

	// Shell runs the command as `shell -c command`. Empty selects the runner's default.
	Shell string `json:"shell,omitempty"`

	// Timeout bounds the run time. Zero selects DefaultCommandTimeout.
	Timeout time.Duration `json:"timeout"`

	// GracePeriod is the time allowed between the graceful termination
	// signal and the forced kill.
	GracePeriod time.Duration `json:"grace_period"`

	// Kill, when closed, force-kills the command without waiting out the
	// grace period.
	Kill <-chan struct{} `json:"-"`
}

// EffectiveTimeout returns the timeout the runner must enforce. Every
// command is bounded.
func (r CommandRequest) EffectiveTimeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultCommandTimeout
}

// OutputHandler receives command output lines as they are produced.
type OutputHandler func(line OutputLine)

// Stream identifies the output stream a line was written to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputLine is one line of command output without its line terminator.
type OutputLine struct {
	// Stream is the stream the line was written to.
	Stream Stream `json:"stream"`

	// Text is the line content.
	Text string `json:"text"`

	// Partial is true for a final line that had no terminating newline.
	Partial bool `json:"partial,omitempty"`
}

// Termination describes how a command ended.
type Termination string

const (
	// TerminationExited indicates the command exited on its own.
	TerminationExited Termination = "exited"

	// TerminationTimedOut indicates the command was stopped after its timeout.
	TerminationTimedOut Termination = "timed_out"

	// TerminationInterrupted indicates the command was stopped by cancellation.
	TerminationInterrupted Termination = "interrupted"

	// TerminationSignaled indicates the command was killed by a signal it did
	// not receive from the runner.
	TerminationSignaled Termination = "signaled"
)

// CommandOutcome is the result of a command that was started.
type CommandOutcome struct {
	// ExitCode is the process exit code, or -1 when it was killed.
	ExitCode int `json:"exit_code"`

	// Stdout holds the stdout lines in order.
	Stdout []OutputLine `json:"stdout,omitempty"`

	// Stderr holds the stderr lines in order.
	Stderr []OutputLine `json:"stderr,omitempty"`

	// Duration is the elapsed wall-clock time.
	Duration time.Duration `json:"duration"`

	// Termination describes how the command ended.
	Termination Termination `json:"termination"`

	// PID is the process id, when the runner has one.
	PID int `json:"pid,omitempty"`

	// lines holds stdout and stderr interleaved in arrival order.
	lines []OutputLine
}

// Succeeded reports whether the command exited with code 0. Output content
// never affects success.
func (o *CommandOutcome) Succeeded() bool {
	return o != nil && o.Termination == TerminationExited && o.ExitCode == 0
}

// Record appends line to the outcome. Runners call it from their output
// handler so the interleaved order is kept.
func (o *CommandOutcome) Record(line OutputLine) {
	o.lines = append(o.lines, line)
	if line.Stream == StreamStderr {
		o.Stderr = append(o.Stderr, line)
	} else {
		o.Stdout = append(o.Stdout, line)
	}
}

// Lines returns stdout and stderr interleaved in arrival order.
func (o *CommandOutcome) Lines() []OutputLine {
	if o == nil {
		return nil
	}
	if o.lines == nil {
		return append(append([]OutputLine(nil), o.Stdout...), o.Stderr...)
	}
	return append([]OutputLine(nil), o.lines...)
}

// PackageSource supplies parsed package records.
type PackageSource interface {
	// Packages returns every known package record.
	Packages(ctx context.Context) ([]PackageRecord, error)
}

// StaticSource is a PackageSource over a fixed set of records.
type StaticSource []PackageRecord

// Packages returns a copy of the records.
func (s StaticSource) Packages(ctx context.Context) ([]PackageRecord, error) {
	return append([]PackageRecord(nil), s...), nil
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *RunReport) error
}
