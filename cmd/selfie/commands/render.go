package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/selfie-sh/selfie/pkg/engine"
	"github.com/selfie-sh/selfie/pkg/policy"
	"github.com/selfie-sh/selfie/pkg/progress"
)

var (
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")
	colorAccent  = lipgloss.Color("#20B9B4")
)

type styles struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Accent  lipgloss.Style
}

func colorStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		Bold:    lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Success: lipgloss.NewStyle().Foreground(colorSuccess),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Accent:  lipgloss.NewStyle().Foreground(colorAccent),
	}
}

func plainStyles() styles {
	plain := lipgloss.NewStyle()
	return styles{plain, plain, plain, plain, plain, plain, plain}
}

// ui writes command results as styled text or JSON.
type ui struct {
	out    io.Writer
	json   bool
	styles styles
}

// newUI colors output only when color is wanted, NO_COLOR is unset and out
// is a terminal.
func newUI(out io.Writer, color, jsonOutput bool) *ui {
	s := plainStyles()
	if color && !jsonOutput && os.Getenv("NO_COLOR") == "" && isTerminal(out) {
		s = colorStyles()
	}
	return &ui{out: out, json: jsonOutput, styles: s}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (u *ui) printf(format string, args ...interface{}) {
	fmt.Fprintf(u.out, format, args...)
}

func (u *ui) println(args ...interface{}) {
	fmt.Fprintln(u.out, args...)
}

// printJSON writes v as indented JSON.
func (u *ui) printJSON(v interface{}) error {
	enc := json.NewEncoder(u.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// pad right-pads s to width before styling so escape codes do not break
// column alignment.
func pad(s string, width int) string {
	if n := len([]rune(s)); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func (u *ui) phaseStyle(phase engine.Phase) (string, lipgloss.Style) {
	switch phase {
	case engine.PhaseComplete:
		return "✓", u.styles.Success
	case engine.PhaseAlreadyInstalled:
		return "✓", u.styles.Muted
	case engine.PhaseFailed:
		return "✗", u.styles.Error
	case engine.PhaseSkipped:
		return "↷", u.styles.Warning
	default:
		return "○", u.styles.Muted
	}
}

func (u *ui) runStatus(status engine.RunStatus) string {
	switch status {
	case engine.RunStatusSucceeded:
		return u.styles.Success.Render(string(status))
	case engine.RunStatusFailed:
		return u.styles.Error.Render(string(status))
	default:
		return u.styles.Warning.Render(string(status))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

// progressPrinter prints progress messages as they arrive.
func (u *ui) progressPrinter(width int) progress.Subscriber {
	return func(msg progress.Message) {
		name := u.styles.Bold.Render(pad(msg.Package, width))
		switch {
		case msg.IsOutput():
			u.printf("%s %s %s\n", name, u.styles.Muted.Render("│"), u.styles.Muted.Render(msg.Text))
		case msg.Kind == progress.KindError:
			u.printf("%s %s\n", name, u.styles.Error.Render(msg.Text))
		case msg.Kind == progress.KindWarning:
			u.printf("%s %s\n", name, u.styles.Warning.Render(msg.Text))
		default:
			u.printf("%s %s\n", name, msg.Text)
		}
	}
}

// renderReport prints the outcome of a run.
func (u *ui) renderReport(report *engine.RunReport) {
	width := 0
	for _, inst := range report.Packages {
		width = max(width, len(inst.Name))
	}

	u.println()
	u.printf("%s %s on %s: %s in %s\n",
		u.styles.Title.Render("Run"),
		shortID(report.ID),
		u.styles.Accent.Render(report.Environment),
		u.runStatus(report.Status),
		formatDuration(report.Duration),
	)

	for _, inst := range report.Packages {
		symbol, style := u.phaseStyle(inst.Status.Phase)
		line := fmt.Sprintf("  %s %s %s", style.Render(symbol), pad(inst.Name, width), style.Render(pad(string(inst.Status.Phase), 17)))
		if inst.Status.Reason != "" {
			line += " " + u.styles.Muted.Render(inst.Status.Reason)
		}
		if inst.Duration > 0 {
			line += " " + u.styles.Muted.Render("("+formatDuration(inst.Duration)+")")
		}
		u.println(line)
	}

	s := report.Summary
	u.printf("\n%d packages: %s installed, %s already installed, %s failed, %s skipped\n",
		s.Total,
		u.styles.Success.Render(fmt.Sprint(s.Complete)),
		fmt.Sprint(s.AlreadyInstalled),
		u.styles.Error.Render(fmt.Sprint(s.Failed)),
		u.styles.Warning.Render(fmt.Sprint(s.Skipped)),
	)

	for _, err := range report.Errors {
		u.printf("%s %s\n", u.styles.Error.Render("error:"), err.Error())
	}
}

// renderPlan prints the installation order grouped by level.
func (u *ui) renderPlan(plan *engine.Plan) {
	u.printf("%s for %s: %d packages\n", u.styles.Title.Render("Plan"), u.styles.Accent.Render(plan.Environment), plan.Len())

	packages := plan.Packages()
	width := 0
	for _, p := range packages {
		width = max(width, len(p.Name))
	}

	level := -1
	for _, p := range packages {
		if p.Level != level {
			level = p.Level
			u.printf("\n  %s\n", u.styles.Muted.Render(fmt.Sprintf("level %d", level)))
		}
		line := "    " + pad(p.Name, width)
		if p.Version != "" {
			line += " " + u.styles.Muted.Render(p.Version)
		}
		if p.Incompatible {
			line += " " + u.styles.Warning.Render("(not configured for "+plan.Environment+")")
		}
		if len(p.Dependencies) > 0 {
			line += " " + u.styles.Muted.Render("← "+strings.Join(p.Dependencies, ", "))
		}
		u.println(line)
	}
}

// renderFindings prints policy findings for one package. It returns the
// number of blocking findings.
func (u *ui) renderFindings(pkg string, findings []policy.Violation) int {
	blocking := 0
	for _, v := range findings {
		var label string
		switch v.Severity {
		case policy.SeverityError:
			blocking++
			label = u.styles.Error.Render("error")
		case policy.SeverityWarning:
			label = u.styles.Warning.Render("warning")
		default:
			label = u.styles.Muted.Render("info")
		}

		where := pkg
		if v.Environment != "" {
			where += "/" + v.Environment
		}
		if v.Field != "" {
			where += "." + v.Field
		}
		u.printf("  %s %s: %s %s\n", label, where, v.Message, u.styles.Muted.Render("["+v.Policy+"]"))
		if v.Remediation != "" {
			u.printf("    %s\n", u.styles.Muted.Render(v.Remediation))
		}
	}
	return blocking
}
