package engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/engine/enginetest"
	"github.com/selfie-sh/selfie/pkg/progress"
)

// record builds a package for env. An empty check means the package has no
// check command.
func record(name, env, check string, deps ...string) engine.PackageRecord {
	return engine.PackageRecord{
		Name:    name,
		Version: "1.0.0",
		Environments: map[string]engine.EnvironmentConfig{
			env: {
				Check:        check,
				Install:      "install " + name,
				Dependencies: deps,
			},
		},
	}
}

func plan(t *testing.T, records []engine.PackageRecord, env string) (*engine.DependencyGraph, []string) {
	t.Helper()
	graph, err := engine.BuildGraph(records, env)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	order, err := graph.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	return graph, order
}

func testOptions() engine.RunOptions {
	return engine.RunOptions{
		Concurrency:    4,
		StopOnError:    false,
		CommandTimeout: 5 * time.Second,
		GracePeriod:    100 * time.Millisecond,
	}
}

func expectStatus(t *testing.T, report *engine.RunReport, name string, expected engine.InstallationStatus) {
	t.Helper()
	inst := report.Package(name)
	if inst == nil {
		t.Fatalf("package %s missing from report", name)
	}
	if inst.Status != expected {
		t.Errorf("%s: expected %s, got %s", name, expected, inst.Status)
	}
}

func TestOrchestrator_InstallsInDependencyOrder(t *testing.T) {
	records := []engine.PackageRecord{
		record("ripgrep", "macos", "rg --version", "rust"),
		record("rust", "macos", "rustc --version"),
	}
	graph, order := plan(t, records, "macos")

	runner := enginetest.NewFakeRunner().
		Fail("rustc --version", 127).
		Succeed("install rust").
		Fail("rg --version", 127).
		Succeed("install ripgrep")

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "rust", engine.StatusOf(engine.PhaseComplete))
	expectStatus(t, report, "ripgrep", engine.StatusOf(engine.PhaseComplete))

	expected := []string{"rustc --version", "install rust", "rg --version", "install ripgrep"}
	commands := runner.Commands()
	if len(commands) != len(expected) {
		t.Fatalf("Expected commands %v, got %v", expected, commands)
	}
	for i := range expected {
		if commands[i] != expected[i] {
			t.Errorf("Command %d: expected %q, got %q", i, expected[i], commands[i])
		}
	}

	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
	if report.Summary.Complete != 2 {
		t.Errorf("Expected 2 complete, got %+v", report.Summary)
	}
}

func TestOrchestrator_AlreadyInstalledSkipsInstall(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("rust", "macos", "rustc --version")}, "macos")

	runner := enginetest.NewFakeRunner().
		On("rustc --version", enginetest.Script{Stdout: []string{"rustc 1.80.0"}})

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "rust", engine.StatusOf(engine.PhaseAlreadyInstalled))
	if runner.Ran("install rust") {
		t.Error("install should not run for an installed package")
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
}

func TestOrchestrator_IncompatibleDependency(t *testing.T) {
	records := []engine.PackageRecord{
		record("cargo-binstall", "linux", ""),
		record("rust", "macos", "rustc --version"),
		record("ripgrep", "macos", "rg --version", "rust", "cargo-binstall"),
	}
	graph, order := plan(t, records, "macos")

	runner := enginetest.NewFakeRunner().
		Succeed("rustc --version")

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "ripgrep", engine.Skipped(engine.ReasonIncompatibleDependency))
	expectStatus(t, report, "cargo-binstall", engine.Skipped(engine.ReasonNotConfigured("macos")))
	expectStatus(t, report, "rust", engine.StatusOf(engine.PhaseAlreadyInstalled))

	for _, cmd := range []string{"rg --version", "install ripgrep", "install cargo-binstall"} {
		if runner.Ran(cmd) {
			t.Errorf("%q should not have run", cmd)
		}
	}

	if len(report.Errors) != 1 {
		t.Fatalf("Expected 1 compatibility error, got %v", report.Errors)
	}
	var incompatible *engine.IncompatibleEnvironmentError
	if !errors.As(report.Errors[0], &incompatible) {
		t.Fatalf("Expected IncompatibleEnvironmentError, got %v", report.Errors[0])
	}
	if incompatible.Package != "ripgrep" || incompatible.Dependency != "cargo-binstall" {
		t.Errorf("Unexpected payload %+v", incompatible)
	}

	if report.Status != engine.RunStatusFailed {
		t.Errorf("Expected failed, got %s", report.Status)
	}
}

func TestOrchestrator_FailureSkipsTransitiveDependents(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", "", "a"),
		record("c", "linux", "", "b"),
		record("d", "linux", ""),
	}
	graph, order := plan(t, records, "linux")

	runner := enginetest.NewFakeRunner().
		Fail("install a", 2).
		Succeed("install d")

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "a", engine.Failed(engine.ReasonExitCode(2)))
	expectStatus(t, report, "b", engine.Skipped(engine.ReasonDependencyFailed("a")))
	expectStatus(t, report, "c", engine.Skipped(engine.ReasonDependencySkipped("b")))
	expectStatus(t, report, "d", engine.StatusOf(engine.PhaseComplete))

	if runner.Ran("install b") || runner.Ran("install c") {
		t.Error("dependents of a failed package must not run")
	}

	failed := report.Package("a")
	if engine.ErrorCode(failed.Error) != engine.ErrCodeCommandFailed {
		t.Errorf("Expected command failed error, got %v", failed.Error)
	}
	if report.Summary.Failed != 1 || report.Summary.Skipped != 2 {
		t.Errorf("Unexpected summary %+v", report.Summary)
	}
}

func TestOrchestrator_StopOnError(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", ""),
		record("c", "linux", ""),
	}
	graph, order := plan(t, records, "linux")

	runner := enginetest.NewFakeRunner().
		Fail("install a", 1).
		Succeed("install b").
		Succeed("install c")

	opts := testOptions()
	opts.Concurrency = 1
	opts.StopOnError = true

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "a", engine.Failed(engine.ReasonExitCode(1)))
	expectStatus(t, report, "b", engine.Skipped(engine.ReasonStopped("a")))
	expectStatus(t, report, "c", engine.Skipped(engine.ReasonStopped("a")))

	if len(runner.Calls()) != 1 {
		t.Errorf("Expected only install a to run, got %v", runner.Commands())
	}
}

func TestOrchestrator_ContinueOnError(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", ""),
	}
	graph, order := plan(t, records, "linux")

	runner := enginetest.NewFakeRunner().
		Fail("install a", 1).
		Succeed("install b")

	opts := testOptions()
	opts.Concurrency = 1

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "b", engine.StatusOf(engine.PhaseComplete))
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	var records []engine.PackageRecord
	runner := enginetest.NewFakeRunner()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		records = append(records, record(name, "linux", ""))
		runner.On("install "+name, enginetest.Script{Delay: 30 * time.Millisecond})
	}
	graph, order := plan(t, records, "linux")

	opts := testOptions()
	opts.Concurrency = 2

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if peak := runner.MaxConcurrent(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent commands, got %d", peak)
	}
	if report.Summary.Complete != 6 {
		t.Errorf("Expected 6 complete, got %+v", report.Summary)
	}
}

func TestOrchestrator_ParallelWallClock(t *testing.T) {
	runner := enginetest.NewFakeRunner()
	var records []engine.PackageRecord
	for _, name := range []string{"a", "b", "c"} {
		records = append(records, record(name, "linux", ""))
		runner.On("install "+name, enginetest.Script{Delay: 200 * time.Millisecond})
	}
	graph, order := plan(t, records, "linux")

	opts := testOptions()
	opts.Concurrency = 2

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Duration >= report.PackageTime() {
		t.Errorf("Wall clock %s should be below summed package time %s", report.Duration, report.PackageTime())
	}
	if report.Duration < 350*time.Millisecond {
		t.Errorf("Two batches of 200ms finished in %s", report.Duration)
	}
	if report.Duration > 580*time.Millisecond {
		t.Errorf("Expected two overlapping batches, took %s", report.Duration)
	}

	calls := runner.Calls()
	if !calls[1].Start.Before(calls[0].End) {
		t.Error("The first two installs should overlap")
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("slow", "linux", "")}, "linux")

	runner := enginetest.NewFakeRunner().
		On("install slow", enginetest.Script{Delay: time.Second})

	opts := testOptions()
	opts.CommandTimeout = 50 * time.Millisecond

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "slow", engine.Failed(engine.ReasonTimeout))
	if code := engine.ErrorCode(report.Package("slow").Error); code != engine.ErrCodeTimeout {
		t.Errorf("Expected timeout code, got %s", code)
	}
}

func TestOrchestrator_SpawnError(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("broken", "linux", "")}, "linux")

	spawnErr := errors.New("exec: no such shell")
	runner := enginetest.NewFakeRunner().
		On("install broken", enginetest.Script{Err: spawnErr})

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "broken", engine.Failed(engine.ReasonExecutionError(spawnErr)))
	if !errors.Is(report.Package("broken").Error, spawnErr) {
		t.Error("package error should wrap the spawn error")
	}
}

func TestOrchestrator_CheckErrorMeansNotInstalled(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("tool", "linux", "tool --version")}, "linux")

	runner := enginetest.NewFakeRunner().
		On("tool --version", enginetest.Script{Err: errors.New("spawn failed")}).
		Succeed("install tool")

	report, err := engine.NewOrchestrator(runner).Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectStatus(t, report, "tool", engine.StatusOf(engine.PhaseComplete))
}

func runInBackground(orch *engine.Orchestrator, ctx context.Context, graph *engine.DependencyGraph, order []string, opts engine.RunOptions) <-chan *engine.RunReport {
	done := make(chan *engine.RunReport, 1)
	go func() {
		report, _ := orch.Run(ctx, graph, order, opts)
		done <- report
	}()
	return done
}

func waitStarted(t *testing.T, runner *enginetest.FakeRunner, command string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case started := <-runner.Started():
			if started == command {
				return
			}
		case <-timeout:
			t.Fatalf("%q never started", command)
		}
	}
}

func TestOrchestrator_Interrupt(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", "", "a"),
	}
	graph, order := plan(t, records, "linux")

	runner := enginetest.NewFakeRunner().
		On("install a", enginetest.Script{Block: true})

	orch := engine.NewOrchestrator(runner)
	done := runInBackground(orch, context.Background(), graph, order, testOptions())

	waitStarted(t, runner, "install a")
	if !orch.Interrupt() {
		t.Fatal("Interrupt should find an active run")
	}

	var report *engine.RunReport
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after interrupt")
	}

	expectStatus(t, report, "a", engine.Failed(engine.ReasonInterrupted))
	expectStatus(t, report, "b", engine.Skipped(engine.ReasonInterrupted))
	if !report.Interrupted || report.Status != engine.RunStatusInterrupted {
		t.Errorf("Expected interrupted run, got %s (interrupted=%v)", report.Status, report.Interrupted)
	}
	if !engine.IsCancellation(report.Package("a").Error) {
		t.Errorf("Expected cancellation error, got %v", report.Package("a").Error)
	}
	if runner.Ran("install b") {
		t.Error("b must not start after the interrupt")
	}

	if orch.Interrupt() {
		t.Error("Interrupt after the run should report no active run")
	}
}

func TestOrchestrator_SecondInterruptKills(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("stubborn", "linux", "")}, "linux")

	runner := enginetest.NewFakeRunner().
		On("install stubborn", enginetest.Script{Block: true, IgnoreTerm: true})

	orch := engine.NewOrchestrator(runner)
	done := runInBackground(orch, context.Background(), graph, order, testOptions())

	waitStarted(t, runner, "install stubborn")
	orch.Interrupt()

	select {
	case <-done:
		t.Fatal("Run returned before the command was killed")
	case <-time.After(100 * time.Millisecond):
	}

	orch.Interrupt()

	select {
	case report := <-done:
		expectStatus(t, report, "stubborn", engine.Failed(engine.ReasonInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after second interrupt")
	}
}

func TestOrchestrator_InterruptBeforeRunIsHeld(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", "", "a"),
	}
	graph, order := plan(t, records, "linux")
	runner := enginetest.NewFakeRunner()

	orch := engine.NewOrchestrator(runner)
	if orch.Interrupt() {
		t.Fatal("Interrupt should report no active run")
	}

	report, err := orch.Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Interrupted || report.Status != engine.RunStatusInterrupted {
		t.Errorf("Expected interrupted run, got %s (interrupted=%v)", report.Status, report.Interrupted)
	}
	expectStatus(t, report, "a", engine.Skipped(engine.ReasonInterrupted))
	expectStatus(t, report, "b", engine.Skipped(engine.ReasonInterrupted))
	if commands := runner.Commands(); len(commands) != 0 {
		t.Errorf("Expected no commands, got %v", commands)
	}

	// The held interrupt is consumed by the run it applied to.
	report, err = orch.Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected second run to succeed, got %s", report.Status)
	}
}

func TestOrchestrator_LogsCarryRunAndPackage(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("rust", "macos", "")}, "macos")
	runner := enginetest.NewFakeRunner().Succeed("install rust")

	var buf bytes.Buffer
	orch := engine.NewOrchestrator(runner, engine.WithLogger(zerolog.New(&buf)))
	report, err := orch.Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var installed string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"message":"package installed"`) {
			installed = line
		}
	}
	if installed == "" {
		t.Fatalf("no installed line in log:\n%s", buf.String())
	}
	for _, want := range []string{
		`"component":"installer"`,
		`"run_id":"` + report.ID + `"`,
		`"environment":"macos"`,
		`"package":"rust"`,
		`"version":"1.0.0"`,
	} {
		if !strings.Contains(installed, want) {
			t.Errorf("installed line missing %s: %s", want, installed)
		}
	}
}

func TestOrchestrator_ContextCancel(t *testing.T) {
	records := []engine.PackageRecord{
		record("a", "linux", ""),
		record("b", "linux", "", "a"),
	}
	graph, order := plan(t, records, "linux")

	runner := enginetest.NewFakeRunner().
		On("install a", enginetest.Script{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runInBackground(engine.NewOrchestrator(runner), ctx, graph, order, testOptions())
	waitStarted(t, runner, "install a")
	cancel()

	select {
	case report := <-done:
		expectStatus(t, report, "a", engine.Failed(engine.ReasonInterrupted))
		expectStatus(t, report, "b", engine.Skipped(engine.ReasonInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOrchestrator_RejectsInvalidOrder(t *testing.T) {
	records := []engine.PackageRecord{
		record("ripgrep", "macos", "", "rust"),
		record("rust", "macos", ""),
	}
	graph, _ := plan(t, records, "macos")
	orch := engine.NewOrchestrator(enginetest.NewFakeRunner())

	tests := []struct {
		name  string
		order []string
	}{
		{"dependency after dependent", []string{"ripgrep", "rust"}},
		{"missing package", []string{"rust"}},
		{"unknown package", []string{"rust", "fd"}},
		{"duplicate", []string{"rust", "rust"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := orch.Run(context.Background(), graph, tt.order, testOptions()); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := orch.Run(context.Background(), nil, nil, testOptions()); err == nil {
		t.Error("Expected error for nil graph")
	}
}

func TestOrchestrator_ProgressOrderPerPackage(t *testing.T) {
	records := []engine.PackageRecord{
		record("rust", "macos", "rustc --version"),
		record("node", "macos", "node --version"),
	}
	graph, order := plan(t, records, "macos")

	runner := enginetest.NewFakeRunner().
		Fail("rustc --version", 1).
		On("install rust", enginetest.Script{Stdout: []string{"downloading", "unpacking"}, Partial: "done"}).
		On("node --version", enginetest.Script{Stdout: []string{"v22.0.0"}})

	collector := progress.NewCollector()
	report, err := engine.NewOrchestrator(runner, engine.WithSink(collector)).
		Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var sequence []string
	for _, msg := range collector.ForPackage("rust") {
		if msg.RunID != report.ID {
			t.Errorf("message %q has run id %q", msg.Text, msg.RunID)
		}
		if msg.IsOutput() {
			sequence = append(sequence, "out:"+msg.Text)
		} else if msg.Phase != "" {
			sequence = append(sequence, msg.Phase)
		}
	}

	expected := []string{
		"checking", "not_installed", "installing",
		"out:downloading", "out:unpacking", "out:done", "complete",
	}
	if len(sequence) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, sequence)
	}
	for i := range expected {
		if sequence[i] != expected[i] {
			t.Errorf("Message %d: expected %s, got %s", i, expected[i], sequence[i])
		}
	}

	rust := report.Package("rust")
	if len(rust.Install.Stdout) != 3 || !rust.Install.Stdout[2].Partial {
		t.Errorf("Expected 3 captured lines with a partial tail, got %+v", rust.Install.Stdout)
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	reports []*engine.RunReport
}

func (m *memoryRecorder) RecordRun(ctx context.Context, report *engine.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func TestOrchestrator_RecordsRun(t *testing.T) {
	graph, order := plan(t, []engine.PackageRecord{record("rust", "macos", "")}, "macos")
	runner := enginetest.NewFakeRunner().Succeed("install rust")
	recorder := &memoryRecorder{}

	report, err := engine.NewOrchestrator(runner, engine.WithRecorder(recorder)).
		Run(context.Background(), graph, order, testOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(recorder.reports) != 1 || recorder.reports[0].ID != report.ID {
		t.Errorf("Expected the run to be recorded once, got %d", len(recorder.reports))
	}
	if report.CompletedAt.Before(report.StartedAt) {
		t.Error("CompletedAt precedes StartedAt")
	}
}
