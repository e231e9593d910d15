package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// packageSummary is one row of `selfie list`.
type packageSummary struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Environments []string `json:"environments"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List package definitions",
		Long: `List the packages defined for the current environment, with their
dependencies. Definitions that failed to load are reported at the end.`,
		Example: `  # Packages for this host
  selfie list

  # Every package, whatever its environments
  selfie list --all`,
		Args: cobra.NoArgs,
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

			env := ""
			if !all {
				runner, err := a.runner(ctx)
				if err != nil {
					return err
				}
				if env, err = a.environment(ctx, runner, result.Records); err != nil {
					return err
				}
			}

			var rows []packageSummary
			for i := range result.Records {
				rec := &result.Records[i]
				if env != "" && !rec.SupportsEnvironment(env) {
					continue
				}
				row := packageSummary{
					Name:         rec.Name,
					Version:      rec.Version,
					Description:  rec.Description,
					Environments: rec.EnvironmentNames(),
				}
				if cfg, ok := rec.Environment(env); ok {
					row.Dependencies = cfg.Dependencies
				}
				rows = append(rows, row)
			}

			if a.ui.json {
				return a.ui.printJSON(rows)
			}
			a.ui.renderPackageList(env, rows)
			for _, le := range result.Errors {
				a.ui.printf("%s %s\n", a.ui.styles.Error.Render("invalid:"), le.Error())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "list packages of every environment")

	return cmd
}

func (u *ui) renderPackageList(env string, rows []packageSummary) {
	if env != "" {
		u.printf("%s for %s\n", u.styles.Title.Render("Packages"), u.styles.Accent.Render(env))
	} else {
		u.println(u.styles.Title.Render("Packages"))
	}
	if len(rows) == 0 {
		u.println(u.styles.Muted.Render("  no packages"))
		return
	}

	nameWidth, versionWidth := 0, 0
	for _, r := range rows {
		nameWidth = max(nameWidth, len(r.Name))
		versionWidth = max(versionWidth, len(r.Version))
	}

	for _, r := range rows {
		line := "  " + u.styles.Bold.Render(pad(r.Name, nameWidth)) + " " + u.styles.Muted.Render(pad(r.Version, versionWidth))
		if env == "" {
			line += " " + u.styles.Accent.Render(strings.Join(r.Environments, ","))
		}
		if len(r.Dependencies) > 0 {
			line += " " + u.styles.Muted.Render("← "+strings.Join(r.Dependencies, ", "))
		}
		u.println(line)
	}
}

// describeEnvironment renders one environment of a package for `selfie info`.
func (u *ui) describeEnvironment(name string, cfg engine.EnvironmentConfig) {
	u.printf("  %s\n", u.styles.Accent.Render(name))
	u.printf("    install: %s\n", cfg.Install)
	if cfg.Check != "" {
		u.printf("    check:   %s\n", cfg.Check)
	}
	if cfg.Shell != "" {
		u.printf("    shell:   %s\n", cfg.Shell)
	}
	if len(cfg.Dependencies) > 0 {
		u.printf("    depends: %s\n", strings.Join(cfg.Dependencies, ", "))
	}
}
