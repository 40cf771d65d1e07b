package trigger

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/bluelines/internal/model"
)

// Sweep recalculates pairs with bounded parallelism and returns one outcome
// per pair, in input order. A pair's failure is recorded on its outcome and
// never stops the sweep; the returned error is only ctx's.
func (h *Handler) Sweep(ctx context.Context, pairs []model.PairKey) ([]Outcome, error) {
	ctx, span := h.tracer.Start(ctx, "trigger.Sweep")
	defer span.End()

	outcomes := make([]Outcome, len(pairs))
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, pair := range pairs {
		g.Go(func() error {
			out, err := h.Recalculate(ctx, pair)
			if out == nil {
				out = &Outcome{Pair: pair, Action: ActionAborted}
			}
			if err != nil {
				out.setErr(err)
			}
			outcomes[i] = *out
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Action == ActionAborted {
			failed++
		}
	}
	h.logger.Info().
		Int("pairs", len(pairs)).
		Int("aborted", failed).
		Msg("sweep finished")
	return outcomes, ctx.Err()
}
