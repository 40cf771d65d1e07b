package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/registry"
)

// LogicReport is the result of validating a field logic directory.
type LogicReport struct {
	Dir         string           `json:"dir"`
	Valid       bool             `json:"valid"`
	Definitions int              `json:"definitions"`
	Issues      []registry.Issue `json:"issues,omitempty"`
	Version     int64            `json:"version,omitempty"`
	Recalc      *SweepReport     `json:"recalc,omitempty"`
}

func (r LogicReport) String() string {
	var b strings.Builder
	for _, issue := range r.Issues {
		fmt.Fprintln(&b, issue)
	}
	switch {
	case !r.Valid:
		fmt.Fprintf(&b, "✗ %s: field logic is invalid", r.Dir)
	case r.Version > 0:
		fmt.Fprintf(&b, "✓ imported %d definition(s) from %s as version %d", r.Definitions, r.Dir, r.Version)
	default:
		fmt.Fprintf(&b, "✓ %d definition(s) in %s are valid", r.Definitions, r.Dir)
	}
	if r.Recalc != nil {
		fmt.Fprintf(&b, "\n%s", r.Recalc)
	}
	return b.String()
}

// LogicListing is the current field logic of the store.
type LogicListing struct {
	Version     int64                        `json:"version"`
	Variant     model.Variant                `json:"variant,omitempty"`
	Definitions []model.FieldLogicDefinition `json:"definitions"`
}

func (l LogicListing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "field logic version %d", l.Version)
	for _, d := range l.Definitions {
		fmt.Fprintf(&b, "\n  %4d %-24s %-12s %-12s", d.Priority, d.FieldID, d.Operator, d.Applicability)
		if d.Source != "" {
			fmt.Fprintf(&b, " %s", d.Source)
		}
		if d.Fixed != "" {
			fmt.Fprintf(&b, " %s", d.Fixed)
		}
		if d.External {
			fmt.Fprintf(&b, " -> %s", d.ExternalName())
		}
	}
	return b.String()
}

// NewLogicCommand creates the logic command group.
func NewLogicCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logic",
		Short: "Validate, import and list field logic definitions",
	}
	cmd.AddCommand(newLogicValidateCommand(rootOpts))
	cmd.AddCommand(newLogicImportCommand(rootOpts))
	cmd.AddCommand(newLogicListCommand(rootOpts))
	return cmd
}

func newLogicValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate CUE field logic without importing it",
		Long: `Load every CUE file in a directory and check the field logic set:
operators, applicability, sources, hierarchies, duplicate fields and
field reference cycles. Ordering problems are reported as warnings.

Example:
  bluelines logic validate ./logic`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			defs, report, err := checkLogic(f, args[0])
			if err != nil {
				return err
			}
			f.VerboseLog("Loaded %d definition(s) from %s", len(defs), args[0])
			return outputLogicReport(f, report)
		},
	}
}

func newLogicImportCommand(rootOpts *RootOptions) *cobra.Command {
	var recalc bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Replace the stored field logic with a CUE directory",
		Long: `Validate a CUE field logic directory and store it as the next
configuration version. Records calculated under earlier versions keep their
version until they are recalculated; --recalc sweeps every pair at once.

Example:
  bluelines logic import ./logic --recalc`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			defs, report, err := checkLogic(f, args[0])
			if err != nil {
				return err
			}
			if !report.Valid {
				return outputLogicReport(f, report)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				if err := app.Registry.Replace(defs); err != nil {
					return f.Fail(ExitFailure, ErrCodeInvalidLogic, "field logic rejected", err)
				}
				snap := app.Registry.Snapshot()
				if err := app.Store.SaveFieldLogic(ctx, snap.Version(), snap.All(), time.Now()); err != nil {
					return f.Fail(ExitCommandError, ErrCodeStore, "failed to store field logic", err)
				}
				app.Logger.Info().Int64("version", snap.Version()).Int("definitions", snap.Len()).Msg("field logic imported")
				report.Version = snap.Version()

				if recalc {
					pairs, err := app.Store.ListPairs(ctx)
					if err != nil {
						return f.Fail(ExitCommandError, ErrCodeStore, "failed to list pairs", err)
					}
					outcomes, err := app.Handler.Sweep(ctx, pairs)
					if err != nil {
						return f.Fail(ExitFailure, ErrCodeGeneric, "recalculation failed", err)
					}
					sweep := newSweepReport(outcomes)
					report.Recalc = &sweep
				}
				return f.Success(report)
			})
		},
	}
	cmd.Flags().BoolVar(&recalc, "recalc", false, "recalculate every pair after importing")
	return cmd
}

func newLogicListCommand(rootOpts *RootOptions) *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List the stored field logic in evaluation order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				snap := app.Registry.Snapshot()
				listing := LogicListing{Version: snap.Version(), Definitions: snap.All()}
				if variant != "" {
					v, err := model.ParseVariant(variant)
					if err != nil {
						return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid variant", err)
					}
					listing.Variant = v
					listing.Definitions = snap.ListForVariant(v)
				}
				return f.Success(listing)
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "only list definitions for this variant (provisional|homologated)")
	return cmd
}

// checkLogic loads and validates a directory. A load failure is reported
// and returned as an error; validation issues are returned in the report.
func checkLogic(f *OutputFormatter, dir string) ([]model.FieldLogicDefinition, LogicReport, error) {
	report := LogicReport{Dir: dir}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, report, f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("logic directory not found: %s", dir), nil)
	}
	defs, err := registry.LoadCUE(dir)
	if err != nil {
		return nil, report, f.Fail(ExitFailure, ErrCodeInvalidLogic, "failed to load field logic", err)
	}
	report.Definitions = len(defs)
	report.Issues = registry.Validate(defs)
	report.Valid = !registry.HasErrors(report.Issues)
	return defs, report, nil
}

func outputLogicReport(f *OutputFormatter, report LogicReport) error {
	if report.Valid {
		return f.Success(report)
	}
	if err := f.Error(ErrCodeInvalidLogic, "field logic is invalid", report.Issues); err != nil {
		return err
	}
	if f.Format != "json" {
		for _, issue := range report.Issues {
			fmt.Fprintln(f.Writer, issue)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d issue(s) in %s", len(report.Issues), report.Dir))
}
