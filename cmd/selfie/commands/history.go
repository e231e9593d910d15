package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/progress"
	"github.com/selfie-sh/selfie/pkg/stores"
)

// runDetail is the JSON form of `selfie history <run>`.
type runDetail struct {
	*stores.Run
	Installations []*stores.Installation `json:"installations"`
	Messages      []*stores.Message      `json:"messages,omitempty"`
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		prune    int
		messages bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show installation history",
		Long: `Show recorded installation runs, newest first. With a run ID (or a unique
prefix of one) the packages of that run are shown.`,
		Example: `  # The last 20 runs
  selfie history

  # One run, with its progress messages
  selfie history 3f2a9c1e --messages

  # Keep only the 50 most recent runs
  selfie history --prune 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.context(cmd.Context())

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			switch {
			case cmd.Flags().Changed("prune"):
				deleted, err := store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				if a.ui.json {
					return a.ui.printJSON(map[string]int64{"deleted": deleted})
				}
				a.ui.printf("Deleted %d run(s)\n", deleted)
				return nil
			case len(args) == 1:
				return a.showRun(ctx, store, args[0], messages)
			default:
				return a.listRuns(ctx, store, limit)
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the given number of most recent runs")
	cmd.Flags().BoolVarP(&messages, "messages", "m", false, "show the progress messages of the run")

	return cmd
}

func (a *app) listRuns(ctx context.Context, store stores.HistoryStore, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if a.ui.json {
		return a.ui.printJSON(runs)
	}

	if len(runs) == 0 {
		a.ui.println(a.ui.styles.Muted.Render("No runs recorded"))
		return nil
	}

	envWidth := 0
	for _, r := range runs {
		envWidth = max(envWidth, len(r.Environment))
	}
	for _, r := range runs {
		s := r.Summary
		a.ui.printf("%s  %s  %s  %s  %s\n",
			a.ui.styles.Bold.Render(shortID(r.ID)),
			r.StartedAt.Local().Format(time.DateTime),
			pad(r.Environment, envWidth),
			a.ui.runStatus(r.Status),
			a.ui.styles.Muted.Render(fmt.Sprintf("%d installed, %d present, %d failed, %d skipped in %s",
				s.Complete, s.AlreadyInstalled, s.Failed, s.Skipped, formatDuration(r.Duration))),
		)
	}
	return nil
}

func (a *app) showRun(ctx context.Context, store stores.HistoryStore, id string, withMessages bool) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	installs, err := store.ListInstallations(ctx, run.ID)
	if err != nil {
		return err
	}

	detail := runDetail{Run: run, Installations: installs}
	if withMessages {
		if detail.Messages, err = store.ListMessages(ctx, run.ID); err != nil {
			return err
		}
	}

	if a.ui.json {
		return a.ui.printJSON(detail)
	}
	a.ui.renderRun(detail)
	return nil
}

func (u *ui) renderRun(d runDetail) {
	u.printf("%s %s on %s: %s\n", u.styles.Title.Render("Run"), d.ID, u.styles.Accent.Render(d.Environment), u.runStatus(d.Status))
	u.printf("%s\n", u.styles.Muted.Render(fmt.Sprintf("started %s, took %s",
		d.StartedAt.Local().Format(time.DateTime), formatDuration(d.Duration))))
	if d.Interrupted {
		u.println(u.styles.Warning.Render("interrupted"))
	}
	u.println()

	width := 0
	for _, inst := range d.Installations {
		width = max(width, len(inst.Package))
	}
	for _, inst := range d.Installations {
		symbol, style := u.phaseStyle(inst.Phase)
		line := fmt.Sprintf("  %s %s %s", style.Render(symbol), pad(inst.Package, width), style.Render(pad(string(inst.Phase), 17)))
		if inst.Reason != "" {
			line += " " + u.styles.Muted.Render(inst.Reason)
		}
		if inst.Duration > 0 {
			line += " " + u.styles.Muted.Render("("+formatDuration(inst.Duration)+")")
		}
		u.println(line)
	}

	if len(d.Messages) == 0 {
		return
	}
	u.printf("\n%s\n", u.styles.Bold.Render("Messages"))
	for _, m := range d.Messages {
		text := m.Text
		switch m.Severity {
		case progress.SeverityError:
			text = u.styles.Error.Render(text)
		case progress.SeverityWarning:
			text = u.styles.Warning.Render(text)
		}
		u.printf("  %s %s %s\n", u.styles.Muted.Render(m.CreatedAt.Local().Format(time.TimeOnly)), pad(m.Package, width), text)
	}
}
