package ssh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/shell"
)

// Runner executes commands on the remote host of a connected Client.
type Runner struct {
	client *Client
	shell  string
	logger zerolog.Logger
}

// NewRunner creates a runner over client. Commands run under /bin/sh unless
// the request names a shell.
func NewRunner(client *Client, logger zerolog.Logger) *Runner {
	return &Runner{
		client: client,
		shell:  shell.DefaultShell,
		logger: logger.With().Str("component", "ssh-runner").Str("host", client.config.Host).Logger(),
	}
}

var _ engine.CommandRunner = (*Runner)(nil)

// Execute implements engine.CommandRunner. Termination is requested with
// SIGTERM over the session. Servers that ignore signal requests are handled
// by closing the session once the grace period ends, which makes sshd hang up
// the remote process.
func (r *Runner) Execute(ctx context.Context, req engine.CommandRequest, onLine engine.OutputHandler) (*engine.CommandOutcome, error) {
	if req.Command == "" {
		return nil, errors.New("command is required")
	}

	sh := req.Shell
	if sh == "" {
		sh = r.shell
	}

	session, err := r.client.newSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

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
	stdout := shell.NewLineWriter(engine.StreamStdout, emit)
	stderr := shell.NewLineWriter(engine.StreamStderr, emit)
	session.Stdout = stdout
	session.Stderr = stderr

	start := time.Now()
	if err := session.Start(sh + " -c " + shell.Quote(req.Command)); err != nil {
		return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	log := r.logger.With().Str("command", req.Command).Logger()
	log.Debug().Msg("Remote command started")

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(req.EffectiveTimeout())
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		outcome.Termination = engine.TerminationTimedOut
		log.Warn().Dur("timeout", req.EffectiveTimeout()).Msg("Remote command timed out, terminating")
		err = r.stop(session, done, req)
	case <-ctx.Done():
		outcome.Termination = engine.TerminationInterrupted
		err = r.stop(session, done, req)
	case <-req.Kill:
		outcome.Termination = engine.TerminationInterrupted
		err = kill(session, done)
	}

	stdout.Flush()
	stderr.Flush()

	outcome.Duration = time.Since(start)
	outcome.ExitCode = exitCode(err, outcome)

	log.Debug().
		Int("exit_code", outcome.ExitCode).
		Str("termination", string(outcome.Termination)).
		Dur("duration", outcome.Duration).
		Msg("Remote command finished")

	return outcome, nil
}

// IsAvailable reports whether name resolves to an executable on the remote
// host.
func (r *Runner) IsAvailable(ctx context.Context, name string) bool {
	outcome, err := r.Execute(ctx, engine.CommandRequest{
		Command: "command -v " + shell.Quote(name),
		Timeout: 5 * time.Second,
	}, nil)
	return err == nil && outcome.Succeeded()
}

func (r *Runner) stop(session *ssh.Session, done <-chan error, req engine.CommandRequest) error {
	grace := req.GracePeriod
	if grace <= 0 {
		grace = shell.DefaultGracePeriod
	}

	_ = session.Signal(ssh.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
	case <-req.Kill:
	}
	return kill(session, done)
}

func kill(session *ssh.Session, done <-chan error) error {
	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	return <-done
}

// exitCode maps the session result onto an exit code. A remote process that
// died from a signal the runner did not send is marked as signaled.
func exitCode(err error, outcome *engine.CommandOutcome) int {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		if exitErr.Signal() != "" {
			if outcome.Termination == engine.TerminationExited {
				outcome.Termination = engine.TerminationSignaled
			}
			return -1
		}
		return exitErr.ExitStatus()
	default:
		// The channel closed without an exit status.
		if outcome.Termination == engine.TerminationExited {
			outcome.Termination = engine.TerminationSignaled
		}
		return -1
	}
}
