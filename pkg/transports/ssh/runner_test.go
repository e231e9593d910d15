package ssh

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/selfie-sh/selfie/pkg/engine"
)

func newTestRunner(t *testing.T) (*Runner, *testSSHServer) {
	server := newTestSSHServer(t)
	return NewRunner(connectedClient(t, server), zerolog.Nop()), server
}

func TestRunnerExecute(t *testing.T) {
	runner, _ := newTestRunner(t)
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		var lines []engine.OutputLine
		outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "echo test"}, func(line engine.OutputLine) {
			lines = append(lines, line)
		})
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if !outcome.Succeeded() {
			t.Errorf("expected success, got %+v", outcome)
		}
		if len(lines) != 1 || lines[0].Text != "test" {
			t.Errorf("unexpected lines %+v", lines)
		}
	})

	t.Run("stderr", func(t *testing.T) {
		outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "echo error >&2"}, nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if !outcome.Succeeded() || len(outcome.Stderr) != 1 || outcome.Stderr[0].Text != "error" {
			t.Errorf("unexpected outcome %+v", outcome)
		}
	})

	t.Run("exit code", func(t *testing.T) {
		outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "exit 1"}, nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if outcome.Succeeded() || outcome.ExitCode != 1 {
			t.Errorf("expected exit code 1, got %+v", outcome)
		}
	})

	t.Run("partial line", func(t *testing.T) {
		outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "printf partial"}, nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if len(outcome.Stdout) != 2 || !outcome.Stdout[1].Partial || outcome.Stdout[1].Text != "partial" {
			t.Errorf("unexpected stdout %+v", outcome.Stdout)
		}
	})

	t.Run("signaled", func(t *testing.T) {
		outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "crash"}, nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if outcome.Termination != engine.TerminationSignaled || outcome.ExitCode != -1 {
			t.Errorf("expected signaled, got %+v", outcome)
		}
	})
}

func TestRunnerTimeout(t *testing.T) {
	runner, server := newTestRunner(t)

	outcome, err := runner.Execute(context.Background(), engine.CommandRequest{
		Command:     "sleep",
		Timeout:     100 * time.Millisecond,
		GracePeriod: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	if outcome.Termination != engine.TerminationTimedOut {
		t.Errorf("expected timed out, got %s", outcome.Termination)
	}
	if signals := server.receivedSignals(); len(signals) == 0 || signals[0] != "TERM" {
		t.Errorf("expected TERM to be sent, got %v", signals)
	}
}

func TestRunnerForceKill(t *testing.T) {
	runner, server := newTestRunner(t)

	start := time.Now()
	outcome, err := runner.Execute(context.Background(), engine.CommandRequest{
		Command:     "trap '' TERM; sleep",
		Timeout:     100 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	if outcome.Termination != engine.TerminationTimedOut || outcome.ExitCode != -1 {
		t.Errorf("expected killed after timeout, got %+v", outcome)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("grace period was not enforced")
	}

	signals := server.receivedSignals()
	if len(signals) < 2 || signals[0] != "TERM" || signals[1] != "KILL" {
		t.Errorf("expected TERM then KILL, got %v", signals)
	}
}

func TestRunnerInterrupt(t *testing.T) {
	runner, _ := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	outcome, err := runner.Execute(ctx, engine.CommandRequest{Command: "sleep", GracePeriod: time.Second}, nil)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if outcome.Termination != engine.TerminationInterrupted {
		t.Errorf("expected interrupted, got %s", outcome.Termination)
	}
}

func TestRunnerNotConnected(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = NewRunner(client, zerolog.Nop()).Execute(context.Background(), engine.CommandRequest{Command: "true"}, nil)
	if err == nil {
		t.Error("expected error when not connected")
	}
}

func TestRunnerIsAvailable(t *testing.T) {
	runner, _ := newTestRunner(t)
	ctx := context.Background()

	if !runner.IsAvailable(ctx, "brew") {
		t.Error("brew should be available")
	}
	if runner.IsAvailable(ctx, "apt-get") {
		t.Error("apt-get should not be available")
	}
}
