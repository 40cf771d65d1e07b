package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // YAML config file
	EnvFile  string // .env file
	Database string // overrides the configured database
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the bluelines CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bluelines",
		Short: "bluelines - derived material-supplier records",
		Long: `Maintain the blue line: one derived record per eligible material-supplier
pair, calculated from configurable field logic and kept in sync with the
external composition system.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "path to .env file (ignored if missing)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewLogicCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewEligibilityCommand(opts))
	cmd.AddCommand(NewCalculateCommand(opts))
	cmd.AddCommand(NewRecalcCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts, "push"))
	cmd.AddCommand(NewSyncCommand(opts, "pull"))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
