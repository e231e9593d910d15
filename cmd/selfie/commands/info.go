package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/stores"
)

// packageInfo is the JSON form of `selfie info`.
type packageInfo struct {
	engine.PackageRecord
	LastInstallation *stores.Installation `json:"last_installation,omitempty"`
}

func newInfoCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <package>",
		Short: "Show a package definition",
		Long: `Show a package definition with its commands for every environment, and
the outcome of its most recent installation.`,
		Example: `  selfie info ripgrep`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.context(cmd.Context())

			rec, err := a.repo.Get(ctx, args[0])
			if err != nil {
				return err
			}

			info := packageInfo{PackageRecord: rec}
			if store, err := a.store(ctx); err == nil {
				last, err := store.LastInstallation(ctx, rec.Name)
				switch {
				case err == nil:
					info.LastInstallation = last
				case !errors.Is(err, stores.ErrNotFound):
					a.logger.Warn().Err(err).Msg("Failed to read installation history")
				}
			} else if !errors.Is(err, errHistoryDisabled) {
				a.logger.Warn().Err(err).Msg("Installation history unavailable")
			}

			if a.ui.json {
				return a.ui.printJSON(info)
			}
			a.ui.renderInfo(info)
			return nil
		},
	}

	return cmd
}

func (u *ui) renderInfo(info packageInfo) {
	u.printf("%s %s\n", u.styles.Title.Render(info.Name), u.styles.Muted.Render(info.Version))
	if info.Description != "" {
		u.println(info.Description)
	}
	if info.Homepage != "" {
		u.printf("%s\n", u.styles.Muted.Render(info.Homepage))
	}
	if info.Source != "" {
		u.printf("%s %s\n", u.styles.Muted.Render("defined in"), info.Source)
	}

	u.printf("\n%s\n", u.styles.Bold.Render("Environments"))
	for _, name := range info.EnvironmentNames() {
		cfg, _ := info.Environment(name)
		u.describeEnvironment(name, cfg)
	}

	u.printf("\n%s\n", u.styles.Bold.Render("Last installation"))
	last := info.LastInstallation
	if last == nil {
		u.println(u.styles.Muted.Render("  never installed"))
		return
	}
	symbol, style := u.phaseStyle(last.Phase)
	u.printf("  %s %s", style.Render(symbol), style.Render(last.Status().String()))
	u.printf(" %s\n", u.styles.Muted.Render("run "+shortID(last.RunID)+", "+last.RunStartedAt.Local().Format(time.DateTime)))
}
