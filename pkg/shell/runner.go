// Package shell runs package commands on the local machine.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// DefaultShell is used when neither the request nor the runner name a shell.
const DefaultShell = "/bin/sh"

// DefaultGracePeriod is used when a request carries no grace period.
const DefaultGracePeriod = 5 * time.Second

// pipeDrainDelay bounds how long Wait keeps reading output after the shell
// exits, for background children that hold the pipes open.
const pipeDrainDelay = 2 * time.Second

// Runner executes commands as local child processes. Each command runs in its
// own process group so termination reaches everything the shell started.
type Runner struct {
	shell  string
	dir    string
	env    map[string]string
	logger zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell sets the default shell.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// WithDir sets the working directory of every command.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithEnv adds variables to the inherited environment.
func WithEnv(env map[string]string) Option {
	return func(r *Runner) {
		for k, v := range env {
			r.env[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a local runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		shell:  DefaultShell,
		env:    make(map[string]string),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ engine.CommandRunner = (*Runner)(nil)

// Execute implements engine.CommandRunner.
func (r *Runner) Execute(ctx context.Context, req engine.CommandRequest, onLine engine.OutputHandler) (*engine.CommandOutcome, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := req.Shell
	if shell == "" {
		shell = r.shell
	}

	cmd := exec.Command(shell, "-c", req.Command)
	cmd.Dir = r.dir
	cmd.Env = r.environ()
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)

	outcome := &engine.CommandOutcome{Termination: engine.TerminationExited}

	var mu sync.Mutex
	emit := func(line engine.OutputLine) {
		mu.Lock()
		defer mu.Unlock()
		outcome.Record(line)
		if onLine != nil {
			onLine(line)
		}
	}
	stdout := NewLineWriter(engine.StreamStdout, emit)
	stderr := NewLineWriter(engine.StreamStderr, emit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	outcome.PID = cmd.Process.Pid

	log := r.logger.With().Int("pid", outcome.PID).Str("command", req.Command).Logger()
	log.Debug().Msg("Command started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(req.EffectiveTimeout())
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		outcome.Termination = engine.TerminationTimedOut
		log.Warn().Dur("timeout", req.EffectiveTimeout()).Msg("Command timed out, terminating")
		err = r.stop(cmd, done, req, log)
	case <-ctx.Done():
		outcome.Termination = engine.TerminationInterrupted
		log.Debug().Msg("Command interrupted, terminating")
		err = r.stop(cmd, done, req, log)
	case <-req.Kill:
		outcome.Termination = engine.TerminationInterrupted
		if kerr := killProcess(cmd); kerr != nil {
			log.Debug().Err(kerr).Msg("Failed to kill process group")
		}
		err = <-done
	}

	// Wait has returned, so both writers are idle.
	stdout.Flush()
	stderr.Flush()

	outcome.Duration = time.Since(start)
	outcome.ExitCode = exitCode(cmd, err, outcome)

	log.Debug().
		Int("exit_code", outcome.ExitCode).
		Str("termination", string(outcome.Termination)).
		Dur("duration", outcome.Duration).
		Msg("Command finished")

	return outcome, nil
}

// stop sends the graceful termination signal, waits out the grace period and
// then kills the process group.
func (r *Runner) stop(cmd *exec.Cmd, done <-chan error, req engine.CommandRequest, log zerolog.Logger) error {
	grace := req.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := terminateProcess(cmd); err != nil {
		log.Debug().Err(err).Msg("Failed to signal process group")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		log.Warn().Dur("grace_period", grace).Msg("Command ignored termination, killing")
	case <-req.Kill:
		log.Debug().Msg("Kill requested")
	}

	if err := killProcess(cmd); err != nil {
		log.Debug().Err(err).Msg("Failed to kill process group")
	}
	return <-done
}

// exitCode derives the exit code from the Wait error. A process that died
// from a signal the runner did not send is marked as signaled.
func exitCode(cmd *exec.Cmd, err error, outcome *engine.CommandOutcome) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 && outcome.Termination == engine.TerminationExited {
			outcome.Termination = engine.TerminationSignaled
		}
		return code
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		return cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func (r *Runner) environ() []string {
	if len(r.env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+r.env[k])
	}
	return env
}

// IsAvailable reports whether name resolves to an executable in the
// runner's shell.
func (r *Runner) IsAvailable(ctx context.Context, name string) bool {
	outcome, err := r.Execute(ctx, engine.CommandRequest{
		Command: "command -v " + Quote(name),
		Timeout: 5 * time.Second,
	}, nil)
	return err == nil && outcome.Succeeded()
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
