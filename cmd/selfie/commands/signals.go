package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interrupter is the part of the orchestrator signals are forwarded to.
type interrupter interface {
	Interrupt() bool
}

// interruptOnSignal forwards SIGINT and SIGTERM to target. The first signal
// asks running commands to terminate and stops dispatch; the second kills
// them. notify is called with the signal count before forwarding. The
// returned function stops forwarding.
func interruptOnSignal(target interrupter, notify func(count int)) (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go forwardSignals(sigCh, done, target, notify)

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func forwardSignals(sigCh <-chan os.Signal, done <-chan struct{}, target interrupter, notify func(count int)) {
	count := 0
	for {
		select {
		case <-sigCh:
			count++
			if notify != nil {
				notify(count)
			}
			target.Interrupt()
		case <-done:
			return
		}
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
