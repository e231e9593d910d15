package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/selfie-sh/selfie/pkg/progress"
	"github.com/selfie-sh/selfie/pkg/telemetry"
)

// Orchestrator installs the packages of a dependency graph, running
// independent packages in parallel.
//
// A package is dispatched once every dependency is Complete or
// AlreadyInstalled. When a package ends Failed or Skipped, every package
// that depends on it, directly or transitively, is Skipped without running
// a command.
type Orchestrator struct {
	runner   CommandRunner
	sink     progress.Sink
	root     zerolog.Logger
	logger   zerolog.Logger
	recorder RunRecorder

	mu      sync.Mutex
	active  *runControl
	pending int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the sink that receives progress messages.
func WithSink(sink progress.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRecorder sets a recorder that persists every finished run.
func WithRecorder(recorder RunRecorder) Option {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

// NewOrchestrator creates an orchestrator that runs commands through runner.
func NewOrchestrator(runner CommandRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner: runner,
		sink:   progress.Discard,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.root = o.logger
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o
}

// runControl carries the cancellation state of one run.
type runControl struct {
	mu          sync.Mutex
	count       int
	cancel      context.CancelFunc
	interrupted chan struct{}
	kill        chan struct{}
}

func newRunControl(cancel context.CancelFunc) *runControl {
	return &runControl{
		cancel:      cancel,
		interrupted: make(chan struct{}),
		kill:        make(chan struct{}),
	}
}

// interrupt escalates: the first call stops dispatch and terminates running
// commands, the second kills them. Later calls do nothing.
func (c *runControl) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	switch c.count {
	case 1:
		close(c.interrupted)
		c.cancel()
	case 2:
		close(c.kill)
	}
}

// stop performs the first interrupt stage unless an interrupt already
// happened. A cancelled parent context never escalates to a kill.
func (c *runControl) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		c.count = 1
		close(c.interrupted)
		c.cancel()
	}
}

// Interrupt cancels the active run. The first call stops dispatching new
// packages and asks running commands to terminate; the second kills them.
// It reports whether a run was active. Interrupts that arrive while no run
// is active are held and applied when the next Run starts.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	control := o.active
	if control == nil {
		if o.pending < 2 {
			o.pending++
		}
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	control.interrupt()
	return true
}

func (o *Orchestrator) setActive(control *runControl) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if control != nil && o.active != nil {
		return NewInternalError("a run is already in progress", nil).WithCode(ErrCodeValidation)
	}
	o.active = control
	if control != nil {
		for ; o.pending > 0; o.pending-- {
			control.interrupt()
		}
	}
	return nil
}

// schedState is the orchestrator's own view of a package. Workers own the
// PackageInstallation while it runs, so scheduling decisions never read it.
type schedState int

const (
	statePending schedState = iota
	stateReady
	stateRunning
	stateDone
)

// run holds the state of one pass. Only the Run goroutine touches it.
type run struct {
	graph  *DependencyGraph
	opts   RunOptions
	report *RunReport
	sink   progress.Sink
	logger zerolog.Logger

	installs  map[string]*PackageInstallation
	position  map[string]int
	state     map[string]schedState
	remaining map[string]int
	ready     []string
	running   int

	halted      bool
	interrupted bool
}

// Run installs the packages of graph in order, which must be a dependency
// order over every package in the graph, typically graph.Order(). Package
// failures are reported in the RunReport; the error is non-nil only when
// the inputs are invalid.
//
// Cancelling ctx has the same effect as a first call to Interrupt.
func (o *Orchestrator) Run(ctx context.Context, graph *DependencyGraph, order []string, opts RunOptions) (*RunReport, error) {
	if graph == nil {
		return nil, NewInternalError("dependency graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := validateOrder(graph, order); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	control := newRunControl(cancel)
	if err := o.setActive(control); err != nil {
		return nil, err
	}
	defer func() { _ = o.setActive(nil) }()

	report := &RunReport{
		ID:          uuid.New().String(),
		Environment: graph.Environment(),
		Status:      RunStatusRunning,
		StartedAt:   time.Now(),
		Order:       append([]string(nil), order...),
	}

	runCtx = telemetry.WithRunContext(runCtx, report.ID, report.Environment)
	timer := telemetry.NewTimer()
	metrics := telemetry.MetricsFromContext(runCtx)

	r := &run{
		graph:     graph,
		opts:      opts,
		report:    report,
		sink:      runSink{runID: report.ID, sink: o.sink},
		logger:    telemetry.FromContext(runCtx, o.logger),
		installs:  make(map[string]*PackageInstallation, len(order)),
		position:  make(map[string]int, len(order)),
		state:     make(map[string]schedState, len(order)),
		remaining: make(map[string]int, len(order)),
	}

	for i, name := range order {
		version := ""
		if rec, ok := graph.Record(name); ok {
			version = rec.Version
		}
		inst := NewPackageInstallation(name, version, graph.Dependencies(name))
		report.Packages = append(report.Packages, inst)
		r.installs[name] = inst
		r.position[name] = i
		r.state[name] = statePending
		r.remaining[name] = len(graph.Dependencies(name))
	}

	r.logger.Info().
		Int("packages", len(order)).
		Int("concurrency", opts.Concurrency).
		Bool("stop_on_error", opts.StopOnError).
		Msg("run started")
	r.sink.Emit(progress.Status("", fmt.Sprintf("installing %d packages for %s", len(order), report.Environment)))

	for _, name := range order {
		if r.remaining[name] == 0 && !graph.IsIncompatible(name) {
			r.markReady(name)
		}
	}
	for _, name := range graph.Incompatible() {
		r.skip(name, Skipped(ReasonNotConfigured(report.Environment)),
			NewCompatibilityError(fmt.Sprintf("package is not configured for environment %q", report.Environment), nil).
				WithCode(ErrCodeEnvironmentIncompatible).WithResource(name))
	}

	installer := NewInstaller(o.runner, r.sink, o.root, InstallerConfig{
		Timeout:     opts.CommandTimeout,
		GracePeriod: opts.GracePeriod,
		Kill:        control.kill,
	})

	results := make(chan string, len(order))
	var g errgroup.Group

	interruptCh := control.interrupted
	doneCh := ctx.Done()

	// pollInterrupt applies a pending interrupt before any other decision, so
	// a package that fails because it was cancelled never cascades as an
	// ordinary failure.
	pollInterrupt := func() {
		if doneCh != nil && ctx.Err() != nil {
			doneCh = nil
			control.stop()
		}
		select {
		case <-interruptCh:
			interruptCh = nil
			r.interrupt()
		default:
		}
	}

	for {
		pollInterrupt()

		for !r.halted && !r.interrupted && r.running < opts.Concurrency && len(r.ready) > 0 {
			name := r.ready[0]
			r.ready = r.ready[1:]
			r.state[name] = stateRunning
			r.running++
			o.dispatch(runCtx, &g, installer, r, name, results)
		}
		metrics.SetActiveInstallations(r.running)
		metrics.SetQueuedPackages(len(r.ready))

		if r.running == 0 {
			break
		}

		select {
		case name := <-results:
			pollInterrupt()
			r.running--
			r.state[name] = stateDone
			r.finished(name)
		case <-interruptCh:
		case <-doneCh:
		}
	}

	_ = g.Wait()
	metrics.SetActiveInstallations(0)
	metrics.SetQueuedPackages(0)

	// Anything still pending waits on a package that can no longer finish.
	for _, name := range order {
		if r.state[name] != stateDone {
			r.skip(name, Skipped(ReasonInterrupted), NewCancellationError("run ended before the package was dispatched", nil).
				WithCode(ErrCodeInterrupted).WithResource(name))
		}
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Summary = summarize(report.Packages)
	report.Interrupted = r.interrupted

	var runErr error
	switch {
	case r.interrupted:
		report.Status = RunStatusInterrupted
		runErr = NewCancellationError("run interrupted", nil).WithCode(ErrCodeInterrupted)
	case report.Summary.Failed > 0 || report.Summary.Skipped > 0:
		report.Status = RunStatusFailed
		runErr = fmt.Errorf("%d failed, %d skipped", report.Summary.Failed, report.Summary.Skipped)
	default:
		report.Status = RunStatusSucceeded
	}
	telemetry.EndRunContext(runCtx, string(report.Status), timer, runErr)

	r.logger.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Int("complete", report.Summary.Complete).
		Int("already_installed", report.Summary.AlreadyInstalled).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Msg("run finished")

	finish := progress.Status("", fmt.Sprintf("run %s in %s", report.Status, report.Duration.Round(time.Millisecond)))
	if report.Status != RunStatusSucceeded {
		finish = progress.Error("", fmt.Sprintf("run %s: %d failed, %d skipped", report.Status, report.Summary.Failed, report.Summary.Skipped))
	}
	r.sink.Emit(finish)

	if o.recorder != nil {
		if err := o.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record run")
		}
	}

	return report, nil
}

// dispatch starts the worker for name.
func (o *Orchestrator) dispatch(ctx context.Context, g *errgroup.Group, installer *Installer, r *run, name string, results chan<- string) {
	inst := r.installs[name]
	cfg, _ := r.graph.Config(name)

	r.logger.Debug().Str("package", name).Int("running", r.running).Msg("dispatching package")

	g.Go(func() error {
		pctx := telemetry.WithPackageContext(ctx, inst.Name, inst.Version)
		timer := telemetry.NewTimer()

		if err := installer.Install(pctx, inst, cfg); err != nil {
			plog := telemetry.FromContext(pctx, o.logger)
			plog.Error().Err(err).Msg("installation state machine failed")
			if !inst.Status.IsTerminal() {
				inst.Status = Failed(ReasonExecutionError(err))
			}
		}

		var perr error
		if inst.Error != nil {
			perr = inst.Error
			var ee *EngineError
			if errors.As(perr, &ee) {
				telemetry.MetricsFromContext(pctx).RecordError(string(ee.Class), ee.Code)
			}
		}
		telemetry.EndPackageContext(pctx, string(inst.Status.Phase), timer, perr)

		results <- name
		return nil
	})
}

// finished handles a package whose worker returned.
func (r *run) finished(name string) {
	inst := r.installs[name]

	if inst.Status.IsSatisfied() {
		for _, dependent := range r.graph.Dependents(name) {
			r.remaining[dependent]--
			if r.remaining[dependent] == 0 && r.state[dependent] == statePending {
				r.markReady(dependent)
			}
		}
		return
	}

	r.cascade(name)

	if inst.Status.Phase == PhaseFailed && r.opts.StopOnError && !r.halted && !r.interrupted {
		r.halted = true
		r.logger.Warn().Str("package", name).Msg("stopping after failure")
		for _, other := range r.report.Order {
			if st := r.state[other]; st == statePending || st == stateReady {
				r.skip(other, Skipped(ReasonStopped(name)), NewExecutionError(fmt.Sprintf("run stopped after %s failed", name), nil).
					WithCode(ErrCodeDependencyFailed).WithResource(other))
			}
		}
	}
}

// cascade skips every not yet dispatched dependent of name, which ended
// Failed or Skipped.
func (r *run) cascade(name string) {
	failed := r.installs[name].Status.Phase == PhaseFailed
	incompatible := r.graph.IsIncompatible(name)

	for _, dependent := range r.graph.Dependents(name) {
		if st := r.state[dependent]; st != statePending && st != stateReady {
			continue
		}

		switch {
		case incompatible:
			err := NewIncompatibleEnvironmentError(dependent, name, r.graph.Environment())
			r.report.Errors = append(r.report.Errors, err)
			r.skip(dependent, Skipped(ReasonIncompatibleDependency), err)
		case failed:
			r.skip(dependent, Skipped(ReasonDependencyFailed(name)),
				NewExecutionError(fmt.Sprintf("dependency %s failed", name), nil).
					WithCode(ErrCodeDependencyFailed).WithResource(dependent))
		default:
			r.skip(dependent, Skipped(ReasonDependencySkipped(name)),
				NewExecutionError(fmt.Sprintf("dependency %s was skipped", name), nil).
					WithCode(ErrCodeDependencyFailed).WithResource(dependent))
		}
	}
}

// skip moves a not yet dispatched package to Skipped and cascades.
func (r *run) skip(name string, status InstallationStatus, err *EngineError) {
	inst := r.installs[name]
	if r.state[name] == stateReady {
		r.unready(name)
	}
	r.state[name] = stateDone

	if terr := inst.Transition(status); terr != nil {
		r.logger.Error().Err(terr).Str("package", name).Msg("cannot skip package")
		return
	}
	inst.Error = err

	r.logger.Info().Str("package", name).Str("reason", status.Reason).Msg("package skipped")
	r.sink.Emit(progress.Message{
		Kind:     progress.KindWarning,
		Package:  name,
		Text:     fmt.Sprintf("skipped: %s", status.Reason),
		Severity: progress.SeverityWarning,
		Phase:    string(PhaseSkipped),
	})

	r.cascade(name)
}

// interrupt stops dispatch and skips everything not yet started. Running
// packages observe the cancelled context and end Failed("interrupted").
func (r *run) interrupt() {
	if r.interrupted {
		return
	}
	r.interrupted = true
	r.logger.Warn().Int("running", r.running).Msg("run interrupted")
	r.sink.Emit(progress.Warning("", "interrupted, waiting for running commands to stop"))

	for _, name := range r.report.Order {
		if st := r.state[name]; st == statePending || st == stateReady {
			r.skip(name, Skipped(ReasonInterrupted), NewCancellationError("run interrupted", nil).
				WithCode(ErrCodeInterrupted).WithResource(name))
		}
	}
}

// markReady queues name, keeping the queue in installation order.
func (r *run) markReady(name string) {
	r.state[name] = stateReady
	pos := r.position[name]
	i := sort.Search(len(r.ready), func(i int) bool { return r.position[r.ready[i]] > pos })
	r.ready = append(r.ready, "")
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = name
}

func (r *run) unready(name string) {
	for i, n := range r.ready {
		if n == name {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

// validateOrder checks that order lists every package of graph once, after
// all of its dependencies.
func validateOrder(graph *DependencyGraph, order []string) error {
	if len(order) != graph.Len() {
		return NewInternalError(fmt.Sprintf("order has %d packages, graph has %d", len(order), graph.Len()), nil).
			WithCode(ErrCodeValidation)
	}

	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if !graph.Has(name) {
			return NewInternalError(fmt.Sprintf("order names unknown package %q", name), nil).
				WithCode(ErrCodeValidation)
		}
		if seen[name] {
			return NewInternalError(fmt.Sprintf("order lists %q twice", name), nil).
				WithCode(ErrCodeValidation)
		}
		for _, dep := range graph.Dependencies(name) {
			if !seen[dep] {
				return NewInternalError(fmt.Sprintf("order places %q before its dependency %q", name, dep), nil).
					WithCode(ErrCodeValidation)
			}
		}
		seen[name] = true
	}
	return nil
}

// runSink stamps messages with the run ID and a timestamp.
type runSink struct {
	runID string
	sink  progress.Sink
}

func (s runSink) Emit(msg progress.Message) {
	msg.RunID = s.runID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.sink.Emit(msg)
}
