package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/progress"
)

func newInstallCommand(opts *globalOptions) *cobra.Command {
	var (
		dryRun bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "install [package...]",
		Short: "Install packages",
		Long: `Install packages for the current environment.

This command:
  - Loads and validates every package definition
  - Resolves the dependencies of the requested packages (all by default)
  - Lints the install and check commands with the command policies
  - Runs each package's check command, then its install command if needed
  - Installs independent packages in parallel (max_parallel)
  - Records the run in the installation history

The first Ctrl-C stops starting new packages and asks running commands to
terminate; a second Ctrl-C kills them.`,
		Example: `  # Install everything defined for this host
  selfie install

  # Install ripgrep and whatever it depends on
  selfie install ripgrep

  # Show the installation order without running anything
  selfie install --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			return runInstall(a.context(cmd.Context()), a, args, dryRun, force)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the installation plan without running commands")
	cmd.Flags().BoolVar(&force, "force", false, "install even when a command policy reports an error")

	return cmd
}

func runInstall(ctx context.Context, a *app, selected []string, dryRun, force bool) error {
	records, err := a.repo.Packages(ctx)
	if err != nil {
		return err
	}

	runner, err := a.runner(ctx)
	if err != nil {
		return err
	}

	env, err := a.environment(ctx, runner, records)
	if err != nil {
		return err
	}

	plan, err := engine.NewPlanner(engine.StaticSource(records)).Plan(ctx, env, selected)
	if err != nil {
		return err
	}

	if dryRun {
		if a.ui.json {
			return a.ui.printJSON(planView(plan))
		}
		a.ui.renderPlan(plan)
		return nil
	}

	if err := a.lintPlan(ctx, plan, force); err != nil {
		return err
	}

	stream := progress.NewStream(progress.StreamConfig{BufferSize: 1024})
	if !a.ui.json {
		width := 0
		for _, name := range plan.Order {
			width = max(width, len(name))
		}
		var filter progress.Filter
		if !a.config.Verbose {
			filter = progress.FilterOutput()
		}
		stream.Subscribe(a.ui.progressPrinter(width), filter)
	}

	sinks := []progress.Sink{stream}
	orchOpts := []engine.Option{engine.WithLogger(a.logger)}

	store, err := a.store(ctx)
	switch {
	case err == nil:
		sinks = append(sinks, store)
		orchOpts = append(orchOpts, engine.WithRecorder(store))
	case errors.Is(err, errHistoryDisabled):
		a.logger.Debug().Msg("Installation history disabled")
	default:
		a.logger.Warn().Err(err).Msg("Continuing without installation history")
	}

	orch := engine.NewOrchestrator(runner, append(orchOpts, engine.WithSink(progress.Multi(sinks...)))...)

	stop := interruptOnSignal(orch, func(count int) {
		if count == 1 {
			a.logger.Warn().Msg("Interrupted, waiting for running commands to stop (press Ctrl-C again to kill them)")
			return
		}
		a.logger.Warn().Msg("Killing running commands")
	})
	report, runErr := orch.Run(ctx, plan.Graph, plan.Order, a.config.RunOptions())
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Close(closeCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Progress output truncated")
	}

	if runErr != nil {
		return runErr
	}

	if a.ui.json {
		if err := a.ui.printJSON(report); err != nil {
			return err
		}
	} else {
		a.ui.renderReport(report)
	}

	if report.Status != engine.RunStatusSucceeded {
		return ErrRunFailed
	}
	return nil
}

// lintPlan evaluates the command policies for every planned package. Error
// findings stop the installation unless force is set.
func (a *app) lintPlan(ctx context.Context, plan *engine.Plan, force bool) error {
	policies, err := a.policies(ctx)
	if err != nil {
		return err
	}

	blocking := 0
	for _, name := range plan.Order {
		rec, ok := plan.Graph.Record(name)
		if !ok || plan.Graph.IsIncompatible(name) {
			continue
		}

		result, err := policies.Evaluate(ctx, *rec, plan.Environment)
		if err != nil {
			return err
		}

		findings := result.Violations
		if a.config.Verbose {
			findings = append(findings, result.Warnings...)
		}
		if len(findings) > 0 && !a.ui.json {
			a.ui.renderFindings(name, findings)
		}
		blocking += len(result.Violations)
	}

	if blocking == 0 {
		return nil
	}
	if force {
		a.logger.Warn().Int("errors", blocking).Msg("Installing despite command policy errors")
		return nil
	}
	return fmt.Errorf("%d command policy error(s), fix the definitions or use --force", blocking)
}

// planJSON is the JSON form of a plan.
type planJSON struct {
	Environment  string                  `json:"environment"`
	Order        []string                `json:"order"`
	Levels       [][]string              `json:"levels"`
	Incompatible []string                `json:"incompatible,omitempty"`
	Packages     []engine.PlannedPackage `json:"packages"`
}

func planView(plan *engine.Plan) planJSON {
	return planJSON{
		Environment:  plan.Environment,
		Order:        plan.Order,
		Levels:       plan.Levels,
		Incompatible: plan.Incompatible,
		Packages:     plan.Packages(),
	}
}
