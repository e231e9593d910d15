package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/policy"
	"github.com/selfie-sh/selfie/pkg/repository"
)

// validationReport is the outcome of `selfie validate`.
type validationReport struct {
	Packages    int                           `json:"packages"`
	Environment string                        `json:"environment,omitempty"`
	LoadErrors  []string                      `json:"load_errors,omitempty"`
	Graph       []graphIssue                  `json:"graph,omitempty"`
	Findings    map[string][]policy.Violation `json:"findings,omitempty"`
	Errors      int                           `json:"errors"`
	Warnings    int                           `json:"warnings"`
}

// graphIssue is a dependency problem within one environment.
type graphIssue struct {
	Environment string `json:"environment"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

func (r *validationReport) Valid() bool {
	return r.Errors == 0
}

func (r *validationReport) addFinding(pkg string, v policy.Violation) {
	if r.Findings == nil {
		r.Findings = make(map[string][]policy.Violation)
	}
	r.Findings[pkg] = append(r.Findings[pkg], v)
	if v.Severity.Blocks() {
		r.Errors++
	} else if v.Severity == policy.SeverityWarning {
		r.Warnings++
	}
}

func (r *validationReport) addGraphIssue(env, severity, message string) {
	r.Graph = append(r.Graph, graphIssue{Environment: env, Severity: severity, Message: message})
	if severity == "error" {
		r.Errors++
	} else {
		r.Warnings++
	}
}

// definitionChecker checks package definitions.
type definitionChecker struct {
	policies    *policy.Engine
	environment string
	lookup      availabilityChecker
}

// validate checks the loaded definitions. Dependency graphs are built for
// every environment over all records; policies run for the selected names,
// or for every record when names is empty.
func (v *definitionChecker) validate(ctx context.Context, result *repository.LoadResult, names []string) (*validationReport, error) {
	report := &validationReport{Environment: v.environment}
	for _, le := range result.Errors {
		report.LoadErrors = append(report.LoadErrors, le.Error())
		report.Errors++
	}

	byName := make(map[string]engine.PackageRecord, len(result.Records))
	for _, rec := range result.Records {
		byName[rec.Name] = rec
	}

	selected := result.Records
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			rec, ok := byName[name]
			if !ok {
				report.addGraphIssue("", "error", fmt.Sprintf("package %q is not defined", name))
				continue
			}
			selected = append(selected, rec)
		}
	}
	report.Packages = len(selected)

	for _, env := range engine.KnownEnvironments(result.Records) {
		checkGraph(report, result.Records, env)
	}

	for _, rec := range selected {
		res, err := v.policies.Evaluate(ctx, rec, "")
		if err != nil {
			return nil, err
		}
		for _, f := range res.Violations {
			report.addFinding(rec.Name, f)
		}
		for _, f := range res.Warnings {
			report.addFinding(rec.Name, f)
		}

		if v.lookup != nil && v.environment != "" && rec.SupportsEnvironment(v.environment) {
			for _, f := range policy.CheckAvailability(ctx, rec, v.environment, v.lookup.IsAvailable) {
				report.addFinding(rec.Name, f)
			}
		}
	}
	return report, nil
}

// checkGraph reports unresolved dependencies and cycles as errors, and
// dependencies that will be skipped for env as warnings.
func checkGraph(report *validationReport, records []engine.PackageRecord, env string) {
	graph, err := engine.BuildGraph(records, env)
	if err != nil {
		report.addGraphIssue(env, "error", err.Error())
		return
	}

	if cycles := graph.DetectCycles(); len(cycles) > 0 {
		report.addGraphIssue(env, "error", engine.NewCycleError(cycles).Error())
	}

	for _, name := range graph.Incompatible() {
		dependents := graph.Dependents(name)
		report.addGraphIssue(env, "warning", fmt.Sprintf(
			"%s is not configured for %s but %v depend on it and will be skipped", name, env, dependents))
	}
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var (
		watch    bool
		commands bool
	)

	cmd := &cobra.Command{
		Use:   "validate [package...]",
		Short: "Validate package definitions",
		Long: `Validate package definitions against their schema, their dependency graph
and the command policies.

This command checks:
  - YAML syntax and the package schema
  - Unknown dependencies and dependency cycles in every environment
  - Command syntax and risky command patterns (OPA/rego policies)
  - That the programs commands call exist on this host (--commands)`,
		Example: `  # Validate every definition
  selfie validate

  # Validate two packages, with custom policies
  selfie validate ripgrep fd --policies ./policies

  # Re-validate whenever a definition changes
  selfie validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.context(cmd.Context())

			result, err := a.repo.Load(ctx)
			if err != nil {
				return err
			}

			policies, err := a.policies(ctx)
			if err != nil {
				return err
			}
			v := &definitionChecker{policies: policies}

			if commands {
				if runner, err := a.runner(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Skipping command availability checks")
				} else if env, err := a.environment(ctx, runner, result.Records); err != nil {
					a.logger.Warn().Err(err).Msg("Skipping command availability checks")
				} else if lookup, ok := runner.(availabilityChecker); ok {
					v.environment = env
					v.lookup = lookup
				}
			}

			report, err := v.validate(ctx, result, args)
			if err != nil {
				return err
			}
			if err := a.ui.renderValidation(report); err != nil {
				return err
			}

			if !watch {
				if !report.Valid() {
					return ErrRunFailed
				}
				return nil
			}
			return a.watchDefinitions(ctx, v, args)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when definitions or policies change")
	cmd.Flags().BoolVar(&commands, "commands", true, "check that the programs commands call exist on the host")

	return cmd
}

// watchDefinitions re-validates on every change to the package or policy
// directory until interrupted.
func (a *app) watchDefinitions(ctx context.Context, v *definitionChecker, names []string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	if dir := a.config.PolicyDirectory; dir != "" {
		if err := v.policies.Watch(ctx, []string{dir}); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	err := a.repo.Watch(ctx, repository.DefaultDebounce, func(result *repository.LoadResult, err error) {
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to reload definitions")
			return
		}
		report, err := v.validate(ctx, result, names)
		if err != nil {
			a.logger.Error().Err(err).Msg("Validation failed")
			return
		}
		a.ui.println()
		if err := a.ui.renderValidation(report); err != nil {
			a.logger.Error().Err(err).Msg("Failed to print validation report")
		}
	})
	if err != nil {
		return err
	}

	a.logger.Info().Str("dir", a.repo.Dir()).Msg("Watching for changes, press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

func (u *ui) renderValidation(report *validationReport) error {
	if u.json {
		return u.printJSON(report)
	}

	u.printf("%s %d packages\n", u.styles.Title.Render("Validated"), report.Packages)

	for _, msg := range report.LoadErrors {
		u.printf("  %s %s\n", u.styles.Error.Render("invalid"), msg)
	}
	for _, issue := range report.Graph {
		style := u.styles.Warning
		if issue.Severity == "error" {
			style = u.styles.Error
		}
		where := ""
		if issue.Environment != "" {
			where = "[" + issue.Environment + "] "
		}
		u.printf("  %s %s%s\n", style.Render(issue.Severity), where, issue.Message)
	}

	names := make([]string, 0, len(report.Findings))
	for name := range report.Findings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u.renderFindings(name, report.Findings[name])
	}

	summary := fmt.Sprintf("%d error(s), %d warning(s)", report.Errors, report.Warnings)
	switch {
	case report.Errors > 0:
		u.println(u.styles.Error.Render(summary))
	case report.Warnings > 0:
		u.println(u.styles.Warning.Render(summary))
	default:
		u.println(u.styles.Success.Render("✓ all definitions are valid"))
	}
	return nil
}
