package trigger

import (
	"context"
	"fmt"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
)

// Preview is what Recalculate would do for a pair, computed without writing
// anything or contacting the external system.
type Preview struct {
	Pair     model.PairKey        `json:"pair"`
	Decision eligibility.Decision `json:"decision"`
	Variant  model.Variant        `json:"variant,omitempty"`
	Prior    *model.DerivedRecord `json:"prior,omitempty"`
	Result   *engine.Result       `json:"result,omitempty"`
}

// Preview evaluates eligibility and, for eligible pairs, calculates the
// record against the current registry. It takes no pair lock.
func (h *Handler) Preview(ctx context.Context, pair model.PairKey) (*Preview, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	now := h.clock.Now()

	history, err := h.store.LoadHistory(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", pair, err)
	}
	prior, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", pair, err)
	}

	p := &Preview{Pair: pair, Decision: h.evaluator.Check(history, now), Prior: prior}
	if !p.Decision.Eligible {
		return p, nil
	}

	p.Variant = eligibility.DetermineVariant(history)
	src, err := h.sources(ctx, pair, p.Variant, prior, now)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", pair, err)
	}
	p.Result, err = h.engine.CalculateSnapshot(ctx, h.engine.Registry().Snapshot(), pair, p.Variant, src)
	if err != nil {
		return p, err
	}
	return p, nil
}
