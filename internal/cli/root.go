package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvDir     string
	LogLevel   string
}

// NewRootCommand creates the root command for the contactgraph CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "contactgraph",
		Short:         "Identity reconciliation service",
		Long:          "Resolves email and phone observations into linked contact clusters.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvDir, "env-dir", "config", "directory of .env files to load")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewIdentifyCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))

	return cmd
}
