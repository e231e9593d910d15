package commands

import (
	"github.com/spf13/cobra"

	"github.com/selfie-sh/selfie/pkg/config"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(newConfigShowCommand(opts))
	cmd.AddCommand(newConfigValidateCommand(opts))

	return cmd
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, environment
variables and flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, config.NewSchemaRegistry())
			if err != nil {
				return err
			}

			u := newUI(output(cmd), cfg.UseColors, opts.jsonOutput)
			if u.json {
				return u.printJSON(cfg)
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			u.printf("%s", data)
			return nil
		},
	}
}

func newConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the configuration schema. Without a
path the file given by --config, or the default location, is checked.`,
		Example: `  selfie config validate ~/.config/selfie/config.yaml`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.DefaultPath()
			}

			if _, err := config.NewLoader(nil).Load(path); err != nil {
				return err
			}

			u := newUI(output(cmd), !opts.noColor, opts.jsonOutput)
			if u.json {
				return u.printJSON(map[string]interface{}{"path": path, "valid": true})
			}
			u.printf("%s %s\n", u.styles.Success.Render("✓"), path+" is valid")
			return nil
		},
	}
}
