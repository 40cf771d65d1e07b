package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
	"github.com/roach88/bluelines/internal/trigger"
)

// NewEligibilityCommand creates the eligibility command.
func NewEligibilityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eligibility <material> <supplier>",
		Short: "Explain whether a pair is eligible for a record",
		Long: `Evaluate the three eligibility conditions of a pair (regulatory
approval, technical clearance, recent purchase) and print every failing
reason. Nothing is written.

Examples:
  bluelines eligibility M-100 S-7
  bluelines eligibility M-100/S-7 --format json`,
		Args:          pairArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args, func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				p, err := app.Handler.Preview(ctx, pair)
				if err != nil {
					return failFor(f, err)
				}
				variant := p.Variant
				if variant == "" && p.Prior != nil {
					variant = p.Prior.Variant
				}
				if variant == "" {
					variant = model.VariantProvisional
				}
				return f.Success(EligibilityView{Decision: p.Decision, Variant: variant})
			})
		},
	}
}

// NewCalculateCommand creates the calculate command.
func NewCalculateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calculate <material> <supplier>",
		Short: "Calculate a pair's record without storing or syncing it",
		Long: `Run the field logic engine for an eligible pair against the current
field logic and print the fields and warnings. Nothing is written and the
composition system is not contacted.`,
		Args:          pairArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args, func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				p, err := app.Handler.Preview(ctx, pair)
				if err != nil {
					return failFor(f, err)
				}
				if !p.Decision.Eligible {
					view := EligibilityView{Decision: p.Decision, Variant: model.VariantProvisional}
					if err := f.Error(ErrCodeGeneric, fmt.Sprintf("%s is not eligible", pair), view.Reasons); err != nil {
						return err
					}
					return NewExitError(ExitFailure, fmt.Sprintf("%s is not eligible", pair))
				}
				rec := &model.DerivedRecord{
					Pair:            pair,
					Variant:         p.Result.Variant,
					Fields:          p.Result.Fields,
					Warnings:        p.Result.Warnings,
					CalculatedAt:    p.Result.CalculatedAt,
					RegistryVersion: p.Result.RegistryVersion,
					SyncState:       model.SyncPending,
				}
				return f.Success(RecordView{Record: rec, Audit: []model.AuditEntry{}})
			})
		},
	}
}

// NewRecalcCommand creates the recalc command.
func NewRecalcCommand(rootOpts *RootOptions) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "recalc <material> <supplier>",
		Short: "Recalculate one pair and commit the result",
		Long: `Run the record lifecycle of a pair: create, recompute, delete or empty
its record depending on eligibility, then sync it when auto-sync is on.
With --cascade the pair is handled as an approval change, so the other
records of the material are refreshed too.`,
		Args:          pairArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args, func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				if cascade {
					outcomes, err := app.Handler.HandleEvent(ctx, trigger.ApprovalChanged(pair))
					if err != nil {
						return failFor(f, err)
					}
					return reportSweep(f, newSweepReport(outcomes))
				}
				out, err := app.Handler.Recalculate(ctx, pair)
				return reportOutcome(f, out, err)
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also refresh the other records of the material")
	return cmd
}

// NewSyncCommand creates the push or pull command.
func NewSyncCommand(rootOpts *RootOptions, direction string) *cobra.Command {
	dir := reconcile.Direction(direction)
	short := "Push a provisional record to the composition system"
	if dir == reconcile.DirectionPull {
		short = "Pull a homologated record from the composition system"
	}
	return &cobra.Command{
		Use:   direction + " <material> <supplier>",
		Short: short,
		Long: short + `.

The stored record is synced as is, without recalculation. Provisional
records are only ever pushed and homologated records only ever pulled;
asking for the other direction is refused.`,
		Args:          pairArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args, func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				out, err := app.Handler.SyncPair(ctx, pair, dir)
				return reportOutcome(f, out, err)
			})
		},
	}
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <material>/<supplier> <field> <value>",
		Short: "Set a manual field by hand",
		Long: `Set a field whose logic is manual. The value is read as JSON when it
parses (numbers, true/false, null, lists) and as a plain string otherwise.
The value survives every later recalculation.

Examples:
  bluelines edit M-100/S-7 notes "checked by QA"
  bluelines edit M-100/S-7 batch_size 25`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args[:1], func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				value, err := parseValue(args[2])
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeEditRefused, "invalid value", err)
				}
				out, err := app.Handler.EditManual(ctx, pair, args[1], value)
				return reportOutcome(f, out, err)
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <material> <supplier>",
		Short:         "Show a pair's stored record and audit trail",
		Args:          pairArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPair(rootOpts, cmd, args, func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error {
				rec, err := app.Store.FindRecord(ctx, pair)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "failed to load record", err)
				}
				audit, err := app.Store.AuditLog(ctx, pair)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "failed to load audit log", err)
				}
				if rec == nil && len(audit) == 0 {
					return f.Fail(ExitFailure, ErrCodeNoRecord, fmt.Sprintf("%s has no record and no history", pair), nil)
				}
				if audit == nil {
					audit = []model.AuditEntry{}
				}
				return f.Success(RecordView{Record: rec, Audit: audit})
			})
		},
	}
}

// withPair parses the pair arguments and runs fn inside an open app.
func withPair(opts *RootOptions, cmd *cobra.Command, args []string, fn func(ctx context.Context, app *App, f *OutputFormatter, pair model.PairKey) error) error {
	pair, err := parsePair(args)
	if err != nil {
		return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeInvalidPair, "invalid pair", err)
	}
	return withApp(opts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
		return fn(ctx, app, f, pair)
	})
}

// reportOutcome prints a single outcome. A sync failure is printed with the
// outcome as details and exits with ExitFailure.
func reportOutcome(f *OutputFormatter, out *trigger.Outcome, err error) error {
	if err != nil {
		return failFor(f, err)
	}
	view := OutcomeView{*out}
	if out.Error != "" {
		if err := f.Error(ErrCodeSyncFailed, out.Error, view); err != nil {
			return err
		}
		return NewExitError(ExitFailure, out.Error)
	}
	return f.Success(view)
}

func reportSweep(f *OutputFormatter, report SweepReport) error {
	if err := f.Success(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d pair(s) failed", report.Failed))
	}
	return nil
}

// failFor maps a domain error to its error code.
func failFor(f *OutputFormatter, err error) error {
	switch {
	case errors.Is(err, trigger.ErrNoRecord):
		return f.Fail(ExitFailure, ErrCodeNoRecord, "no derived record", err)
	case engine.IsEditError(err):
		return f.Fail(ExitFailure, ErrCodeEditRefused, "edit refused", err)
	case registry.IsConfigurationError(err):
		return f.Fail(ExitFailure, ErrCodeAborted, "recalculation aborted, prior record kept", err)
	case reconcile.IsSyncError(err):
		return f.Fail(ExitFailure, ErrCodeSyncFailed, "sync failed", err)
	}
	return f.Fail(ExitFailure, ErrCodeGeneric, "operation failed", err)
}

// parseValue reads a command-line field value: JSON when it parses, a
// string otherwise.
func parseValue(s string) (model.Value, error) {
	if json.Valid([]byte(s)) {
		return model.UnmarshalValue([]byte(s))
	}
	return model.String(s), nil
}
