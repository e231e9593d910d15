// Package enginetest provides a scripted CommandRunner for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// Script describes how the fake runner answers one command.
type Script struct {
	// ExitCode is the exit code reported when the command finishes.
	ExitCode int

	// Stdout and Stderr are emitted before the command waits.
	Stdout []string
	Stderr []string

	// Partial is emitted to stdout as an unterminated last line.
	Partial string

	// Delay is how long the command runs. A Delay longer than the request
	// timeout makes the command time out.
	Delay time.Duration

	// Block makes the command run until it is cancelled.
	Block bool

	// IgnoreTerm makes a cancelled command keep running until the request's
	// Kill channel closes.
	IgnoreTerm bool

	// Err is returned as a spawn failure.
	Err error
}

// Call records one Execute call.
type Call struct {
	Command string
	Request engine.CommandRequest
	Start   time.Time
	End     time.Time
}

// FakeRunner is an engine.CommandRunner that answers from scripts instead
// of running processes. Commands without a script exit 1.
type FakeRunner struct {
	mu        sync.Mutex
	scripts   map[string]Script
	fallback  Script
	calls     []Call
	active    int
	maxActive int
	started   chan string
}

// NewFakeRunner creates a runner with no scripts.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts:  make(map[string]Script),
		fallback: Script{ExitCode: 1},
		started:  make(chan string, 256),
	}
}

// On sets the script for command.
func (f *FakeRunner) On(command string, script Script) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[command] = script
	return f
}

// Succeed makes command exit 0.
func (f *FakeRunner) Succeed(command string) *FakeRunner {
	return f.On(command, Script{})
}

// Fail makes command exit with code.
func (f *FakeRunner) Fail(command string, code int) *FakeRunner {
	return f.On(command, Script{ExitCode: code})
}

// Otherwise sets the script used for commands without one.
func (f *FakeRunner) Otherwise(script Script) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = script
	return f
}

// Started receives each command as it starts.
func (f *FakeRunner) Started() <-chan string {
	return f.started
}

// Execute implements engine.CommandRunner.
func (f *FakeRunner) Execute(ctx context.Context, req engine.CommandRequest, onLine engine.OutputHandler) (*engine.CommandOutcome, error) {
	f.mu.Lock()
	script, ok := f.scripts[req.Command]
	if !ok {
		script = f.fallback
	}
	index := len(f.calls)
	f.calls = append(f.calls, Call{Command: req.Command, Request: req, Start: time.Now()})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.calls[index].End = time.Now()
		f.mu.Unlock()
	}()

	select {
	case f.started <- req.Command:
	default:
	}

	if script.Err != nil {
		return nil, script.Err
	}

	start := time.Now()
	outcome := &engine.CommandOutcome{Termination: engine.TerminationExited}
	emit := func(line engine.OutputLine) {
		outcome.Record(line)
		if onLine != nil {
			onLine(line)
		}
	}
	for _, text := range script.Stdout {
		emit(engine.OutputLine{Stream: engine.StreamStdout, Text: text})
	}
	for _, text := range script.Stderr {
		emit(engine.OutputLine{Stream: engine.StreamStderr, Text: text})
	}

	outcome.Termination, outcome.ExitCode = f.wait(ctx, req, script)

	if script.Partial != "" {
		emit(engine.OutputLine{Stream: engine.StreamStdout, Text: script.Partial, Partial: true})
	}
	outcome.Duration = time.Since(start)
	return outcome, nil
}

func (f *FakeRunner) wait(ctx context.Context, req engine.CommandRequest, script Script) (engine.Termination, int) {
	var finished <-chan time.Time
	if !script.Block {
		timer := time.NewTimer(script.Delay)
		defer timer.Stop()
		finished = timer.C
	}

	timeout := time.NewTimer(req.EffectiveTimeout())
	defer timeout.Stop()
	timedOut := timeout.C

	select {
	case <-finished:
		return engine.TerminationExited, script.ExitCode
	case <-timedOut:
		return engine.TerminationTimedOut, -1
	case <-ctx.Done():
	}

	if script.IgnoreTerm {
		select {
		case <-finished:
			return engine.TerminationExited, script.ExitCode
		case <-req.Kill:
		}
	}
	return engine.TerminationInterrupted, -1
}

// Calls returns every call in start order.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the commands run, in start order.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Command
	}
	return out
}

// Ran reports whether command was run.
func (f *FakeRunner) Ran(command string) bool {
	return f.CallCount(command) > 0
}

// CallCount returns how many times command was run.
func (f *FakeRunner) CallCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Command == command {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the largest number of commands that ran at once.
func (f *FakeRunner) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

var _ engine.CommandRunner = (*FakeRunner)(nil)
