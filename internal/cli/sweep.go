package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/trigger"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		variant string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Recalculate and sync stored records in bulk",
		Long: `Deliver a periodic sync to every stored record, optionally restricted to
one variant. With --all every known pair is swept, including pairs that
have no record yet. One pair's failure never stops the sweep.

Examples:
  bluelines sweep
  bluelines sweep --variant homologated
  bluelines sweep --all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				var v model.Variant
				if variant != "" {
					parsed, err := model.ParseVariant(variant)
					if err != nil {
						return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid variant", err)
					}
					v = parsed
				}

				var (
					outcomes []trigger.Outcome
					err      error
				)
				if all {
					pairs, lerr := app.Store.ListPairs(ctx)
					if lerr != nil {
						return f.Fail(ExitCommandError, ErrCodeStore, "failed to list pairs", lerr)
					}
					outcomes, err = app.Handler.Sweep(ctx, pairs)
				} else {
					outcomes, err = app.Handler.HandleEvent(ctx, trigger.PeriodicSyncDue(v))
				}
				if err != nil {
					return failFor(f, err)
				}
				f.VerboseLog("Swept %d pair(s)", len(outcomes))
				return reportSweep(f, newSweepReport(outcomes))
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "only sweep records of this variant (provisional|homologated)")
	cmd.Flags().BoolVar(&all, "all", false, "sweep every known pair, not just stored records")
	cmd.MarkFlagsMutuallyExclusive("variant", "all")
	return cmd
}
