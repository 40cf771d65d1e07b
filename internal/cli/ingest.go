package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/composition"
	"github.com/roach88/bluelines/internal/dataset"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/trigger"
)

// IngestReport is what an ingest wrote.
type IngestReport struct {
	File     string          `json:"file"`
	Summary  dataset.Summary `json:"summary"`
	External int             `json:"external"`
	Recalc   *SweepReport    `json:"recalc,omitempty"`
}

func (r IngestReport) String() string {
	s := r.Summary
	out := fmt.Sprintf("✓ %s: %d material(s), %d supplier(s), %d approval(s), %d purchase(s), %d composition(s), %d external snapshot(s)",
		r.File, s.Materials, s.Suppliers, s.Approvals, s.Purchases, s.Compositions, r.External)
	if r.Recalc != nil {
		out += "\n" + r.Recalc.String()
	}
	return out
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var recalc bool
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Load source data from a YAML file",
		Long: `Write materials, supplier attributes, approval records, purchases,
compositions and external snapshots from a YAML data file. Relative dates
("ago: 90d") are resolved against the current time.

With --recalc every pair touched by the file is handled as an approval
change, in pair order.

Example:
  bluelines ingest ./data/approvals.yaml --recalc`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f := rootOpts.formatter(cmd)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("data file not found: %s", path), nil)
			}
			ds, err := dataset.Load(path)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeDataset, "invalid data file", err)
			}

			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				now := time.Now()
				summary, err := ds.Apply(ctx, app.Store, dataset.Env{Now: now})
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeDataset, "failed to write data", err)
				}
				snaps, err := ds.Snapshots(now)
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeDataset, "invalid external snapshot", err)
				}
				mem, _ := app.External.(*composition.Memory)
				for i := range snaps {
					if err := app.Store.SaveExternalSnapshot(ctx, &snaps[i]); err != nil {
						return f.Fail(ExitCommandError, ErrCodeStore, "failed to store external snapshot", err)
					}
					if mem != nil {
						mem.Seed(snaps[i])
					}
				}
				report := IngestReport{File: path, Summary: summary, External: len(snaps)}
				f.VerboseLog("Wrote %d pair(s) from %s", len(summary.Pairs), path)

				if recalc {
					if err := app.RequireLogic(f); err != nil {
						return err
					}
					var outcomes []trigger.Outcome
					for _, pair := range summary.Pairs {
						out, err := app.Handler.HandleEvent(ctx, trigger.ApprovalChanged(pair))
						if err != nil {
							app.Logger.Warn().Err(err).Str("pair", pair.String()).Msg("recalculation failed")
						}
						outcomes = append(outcomes, out...)
					}
					sweep := newSweepReport(dedupeOutcomes(outcomes))
					report.Recalc = &sweep
				}
				return f.Success(report)
			})
		},
	}
	cmd.Flags().BoolVar(&recalc, "recalc", false, "recalculate every pair in the file")
	return cmd
}

// dedupeOutcomes keeps the last outcome of each pair: a pair refreshed as a
// sibling and then handled for its own event reports its final state.
func dedupeOutcomes(outcomes []trigger.Outcome) []trigger.Outcome {
	last := make(map[model.PairKey]int, len(outcomes))
	for i, o := range outcomes {
		last[o.Pair] = i
	}
	out := make([]trigger.Outcome, 0, len(last))
	for i, o := range outcomes {
		if last[o.Pair] == i {
			out = append(out, o)
		}
	}
	return out
}
