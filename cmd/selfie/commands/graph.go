package commands

import (
	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/engine"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph [package...]",
		Short: "Show the dependency graph",
		Long: `Show the installation order of the current environment, grouped into
levels of packages that can be installed in parallel.

With --dot the graph is printed in Graphviz format.`,
		Example: `  # Installation levels for this host
  selfie graph

  # Render the graph of ripgrep and its dependencies
  selfie graph ripgrep --dot | dot -Tsvg > graph.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.context(cmd.Context())

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

			plan, err := engine.NewPlanner(engine.StaticSource(records)).Plan(ctx, env, args)
			if err != nil {
				return err
			}

			switch {
			case dot:
				a.ui.printf("%s", plan.Graph.ToDOT())
			case a.ui.json:
				return a.ui.printJSON(planView(plan))
			default:
				a.ui.renderPlan(plan)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
