package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when a command completed but its outcome was a
// failure that has already been reported, such as a failed run or invalid
// package definitions.
var ErrRunFailed = errors.New("run failed")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath  string
	environment string
	packageDir  string
	policyDir   string
	metricsAddr string
	verbose     bool
	jsonOutput  bool
	noColor     bool

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "selfie",
		Short: "selfie - a meta package manager",
		Long: `selfie installs your tools from per-environment package definitions.

Each package says how to check and install it on every environment it
supports, and which packages it depends on. selfie resolves the
dependencies, orders the installation, and runs the install commands in
parallel where the dependency graph allows.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ~/.config/selfie/config.yaml)")
	flags.StringVarP(&opts.environment, "environment", "e", "", "package environment (default: detected from the host)")
	flags.StringVarP(&opts.packageDir, "package-dir", "d", "", "directory of package definitions")
	flags.StringVar(&opts.policyDir, "policies", "", "directory of additional .rego command policies")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "stream command output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newInfoCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// output returns the writer for command results.
func output(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
