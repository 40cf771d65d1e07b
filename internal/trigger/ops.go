package trigger

import (
	"context"
	"fmt"

	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
)

// SyncPair syncs the stored record of pair without recalculating it. An
// empty direction follows the record's variant; an explicit direction that
// contradicts the variant is refused by the coordinator.
func (h *Handler) SyncPair(ctx context.Context, pair model.PairKey, dir reconcile.Direction) (*Outcome, error) {
	pl, release, err := h.locks.acquire(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", pair, err)
	}
	defer release()

	rec, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", pair, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("sync %s: %w", pair, ErrNoRecord)
	}

	out := &Outcome{Pair: pair, Eligible: true, Variant: rec.Variant, Record: rec, SyncState: rec.SyncState}
	if rec.Emptied() {
		out.Action = ActionNone
		return out, nil
	}
	if dir != "" && dir != reconcile.DirectionFor(rec.Variant) {
		// Let the coordinator produce the wrong-direction error.
		var werr error
		if dir == reconcile.DirectionPush {
			_, werr = h.coordinator.Push(ctx, h.engine.Registry().Snapshot(), rec)
		} else {
			_, werr = h.coordinator.Pull(ctx, h.engine.Registry().Snapshot(), rec)
		}
		return nil, werr
	}

	next, syncErr := h.sync(ctx, pl, h.engine.Registry().Snapshot(), rec)
	if err := h.commit(ctx, next, model.AuditSyncOutcome, syncDetail(next)); err != nil {
		return nil, err
	}
	out.Action = ActionSynced
	out.Record = next
	out.SyncState = next.SyncState
	out.setErr(syncErr)
	return out, nil
}

// EditManual sets a manual field of pair's record by hand and commits it.
// Only fields with manual logic are editable; the value survives every
// later recalculation. With auto-sync the edited record is synced.
func (h *Handler) EditManual(ctx context.Context, pair model.PairKey, fieldID string, value model.Value) (*Outcome, error) {
	pl, release, err := h.locks.acquire(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", pair, err)
	}
	defer release()

	rec, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", pair, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("edit %s: %w", pair, ErrNoRecord)
	}

	snap := h.engine.Registry().Snapshot()
	next, err := engine.ApplyManualEdit(snap, rec, fieldID, value)
	if err != nil {
		return nil, err
	}
	if next.Fingerprint, err = model.Fingerprint(next.Fields); err != nil {
		return nil, fmt.Errorf("edit %s: %w", pair, err)
	}
	if next.SyncState == model.SyncSynced && next.Variant == model.VariantProvisional {
		extFP, err := reconcile.Fingerprint(snap, next.Variant, next.Fields)
		if err != nil {
			return nil, fmt.Errorf("edit %s: %w", pair, err)
		}
		if extFP != next.LastPushedFingerprint {
			next.SyncState = model.SyncPending
		}
	}

	// Homologated records are owned by the external system; a hand edit is
	// never pushed back.
	var syncErr error
	if h.autoSync && next.Variant == model.VariantProvisional && next.SyncState != model.SyncSynced {
		next, syncErr = h.sync(ctx, pl, snap, next)
	}
	if err := h.commit(ctx, next, model.AuditManualEdit, "field="+fieldID); err != nil {
		return nil, err
	}

	h.logger.Info().Str("pair", pair.String()).Str("field", fieldID).Msg("manual field edited")
	out := &Outcome{
		Pair:      pair,
		Action:    ActionEdited,
		Eligible:  true,
		Variant:   next.Variant,
		SyncState: next.SyncState,
		Warnings:  next.Warnings,
		Record:    next,
	}
	out.setErr(syncErr)
	return out, nil
}
