package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
)

// ErrNoRecord is returned by operations that need an existing record.
var ErrNoRecord = errors.New("pair has no derived record")

// Store is the persistence the handler needs. *store.Store implements it.
type Store interface {
	LoadHistory(ctx context.Context, pair model.PairKey) (model.PairHistory, error)
	LoadMaterial(ctx context.Context, materialID string) (model.Attributes, error)
	LoadSupplierSources(ctx context.Context, materialID string) ([]model.SupplierSource, error)
	LoadApprovalsForMaterial(ctx context.Context, materialID string) ([]model.ApprovalRecord, error)
	ListSiblings(ctx context.Context, materialID string) ([]model.PairKey, error)
	ListRecordPairs(ctx context.Context, variant model.Variant) ([]model.PairKey, error)

	// FindRecord and FindExternalSnapshot return nil, nil when absent.
	FindRecord(ctx context.Context, pair model.PairKey) (*model.DerivedRecord, error)
	FindExternalSnapshot(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error)

	// SaveRecord and DeleteRecord commit the record change and its audit
	// entry atomically.
	SaveRecord(ctx context.Context, rec *model.DerivedRecord, audit model.AuditEntry) error
	DeleteRecord(ctx context.Context, pair model.PairKey, audit model.AuditEntry) (bool, error)
	SaveExternalSnapshot(ctx context.Context, snap *model.ExternalSnapshot) error
}

// Clock supplies evaluation time.
type Clock interface {
	Now() time.Time
}

// IDGenerator supplies audit entry ids.
type IDGenerator interface {
	NewID() string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.Must(uuid.NewV7()).String() }

// DefaultConcurrency bounds parallel pairs in a sweep.
const DefaultConcurrency = 8

// Handler runs the per-pair record lifecycle.
//
// Thread-safety: Handler is safe for concurrent use. Runs of the same pair
// are serialized; runs of different pairs are not.
type Handler struct {
	store       Store
	engine      *engine.Engine
	evaluator   *eligibility.Evaluator
	coordinator *reconcile.Coordinator
	locks       *pairLocks

	clock       Clock
	ids         IDGenerator
	autoSync    bool
	concurrency int
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithAutoSync enables or disables the sync that follows a recalculation.
// Disabled, records are committed Pending and left for an explicit sync.
// Default: enabled.
func WithAutoSync(enabled bool) Option {
	return func(h *Handler) {
		h.autoSync = enabled
	}
}

// WithEvaluator sets the eligibility evaluator. Default: 3 year lookback.
func WithEvaluator(e *eligibility.Evaluator) Option {
	return func(h *Handler) {
		h.evaluator = e
	}
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(h *Handler) {
		h.clock = c
	}
}

// WithIDs sets the audit id generator. Default: UUIDv7.
func WithIDs(g IDGenerator) Option {
	return func(h *Handler) {
		h.ids = g
	}
}

// WithConcurrency bounds parallel pairs in Sweep. Non-positive values keep
// the default.
func WithConcurrency(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithLogger sets the handler logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// New creates a Handler.
func New(st Store, eng *engine.Engine, coord *reconcile.Coordinator, opts ...Option) *Handler {
	h := &Handler{
		store:       st,
		engine:      eng,
		evaluator:   eligibility.New(eligibility.DefaultLookback),
		coordinator: coord,
		locks:       newPairLocks(),
		clock:       systemClock{},
		ids:         uuidGenerator{},
		autoSync:    true,
		concurrency: DefaultConcurrency,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("github.com/roach88/bluelines/internal/trigger"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEvent processes one trigger event.
//
// Approval and purchase events recalculate the pair, then refresh the other
// records of its material since their cross-supplier fields may change.
// ExternalSyncCompleted recalculates the pair alone. PeriodicSyncDue sweeps
// every record of the event's variant.
//
// The returned error is the fatal error of the event's own pair; sibling
// and sweep failures are reported on their outcomes only.
func (h *Handler) HandleEvent(ctx context.Context, ev Event) ([]Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	ctx, span := h.tracer.Start(ctx, "trigger.HandleEvent", trace.WithAttributes(
		attribute.String("kind", string(ev.Kind)),
	))
	defer span.End()

	logger := h.logger.With().Str("event", string(ev.Kind)).Str("event_id", ev.ID).Logger()

	switch ev.Kind {
	case EventPeriodicSyncDue:
		pairs, err := h.store.ListRecordPairs(ctx, ev.Variant)
		if err != nil {
			return nil, fmt.Errorf("periodic sync: %w", err)
		}
		logger.Debug().Int("pairs", len(pairs)).Str("variant", string(ev.Variant)).Msg("sweep due")
		return h.Sweep(ctx, pairs)

	case EventExternalSyncCompleted:
		out, err := h.Recalculate(ctx, ev.Pair)
		return collect(out), err

	default:
		out, err := h.Recalculate(ctx, ev.Pair)
		outcomes := collect(out)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recalculation aborted")
			return outcomes, err
		}

		siblings, err := h.store.ListRecordPairs(ctx, "")
		if err != nil {
			return outcomes, fmt.Errorf("list records: %w", err)
		}
		for _, sib := range siblings {
			if sib.MaterialID != ev.Pair.MaterialID || sib == ev.Pair {
				continue
			}
			sout, serr := h.Recalculate(ctx, sib)
			if serr != nil {
				logger.Warn().Err(serr).Str("pair", sib.String()).Msg("sibling refresh failed")
			}
			outcomes = append(outcomes, collect(sout)...)
		}
		return outcomes, nil
	}
}

func collect(out *Outcome) []Outcome {
	if out == nil {
		return []Outcome{}
	}
	return []Outcome{*out}
}

// Recalculate runs the lifecycle of one pair: check eligibility, then
// create, recompute, delete or empty its record.
//
// A fatal engine error aborts the run before anything is written; the prior
// record stays as it was. The outcome is returned together with the error
// so callers can report it.
func (h *Handler) Recalculate(ctx context.Context, pair model.PairKey) (*Outcome, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}

	pl, release, err := h.locks.acquire(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}
	defer release()

	ctx, span := h.tracer.Start(ctx, "trigger.Recalculate", trace.WithAttributes(
		attribute.String("pair", pair.String()),
	))
	defer span.End()

	out, err := h.recalculate(ctx, pl, pair)
	if out != nil {
		span.SetAttributes(attribute.String("action", string(out.Action)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recalculation failed")
	}
	return out, err
}

func (h *Handler) recalculate(ctx context.Context, pl *pairLock, pair model.PairKey) (*Outcome, error) {
	now := h.clock.Now()

	history, err := h.store.LoadHistory(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}
	decision := h.evaluator.Check(history, now)

	prior, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}

	out := &Outcome{Pair: pair, Eligible: decision.Eligible, Reasons: decision.Reasons}
	if decision.Eligible {
		return h.activate(ctx, pl, history, prior, now, out)
	}
	return h.retire(ctx, history, decision, prior, now, out)
}

// activate calculates and commits the record of an eligible pair.
func (h *Handler) activate(ctx context.Context, pl *pairLock, history model.PairHistory, prior *model.DerivedRecord, now time.Time, out *Outcome) (*Outcome, error) {
	pair := history.Pair
	variant := eligibility.DetermineVariant(history)
	out.Variant = variant

	snap := h.engine.Registry().Snapshot()
	src, err := h.sources(ctx, pair, variant, prior, now)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}

	res, err := h.engine.CalculateSnapshot(ctx, snap, pair, variant, src)
	if err != nil {
		out.Action = ActionAborted
		out.setErr(err)
		out.Record = prior
		h.logger.Error().Err(err).
			Str("pair", pair.String()).
			Str("variant", string(variant)).
			Msg("recalculation aborted, prior record kept")
		return out, err
	}

	rec, err := nextRecord(snap, prior, res)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}
	if variant == model.VariantHomologated {
		if err := keepExternal(snap, rec, prior, src.External); err != nil {
			return nil, fmt.Errorf("recalculate %s: %w", pair, err)
		}
	}

	action := ActionRecomputed
	audit := model.AuditRecomputed
	if prior == nil || prior.Emptied() {
		action = ActionCreated
		audit = model.AuditCreated
	}

	var syncErr error
	if h.autoSync {
		rec, syncErr = h.sync(ctx, pl, snap, rec)
	}

	if err := h.commit(ctx, rec, audit, syncDetail(rec)); err != nil {
		return nil, err
	}

	out.Action = action
	out.Record = rec
	out.SyncState = rec.SyncState
	out.Warnings = rec.Warnings
	out.setErr(syncErr)

	h.logger.Info().
		Str("pair", pair.String()).
		Str("variant", string(variant)).
		Str("action", string(action)).
		Str("sync_state", string(rec.SyncState)).
		Int("warnings", len(rec.Warnings)).
		Msg("record committed")
	return out, nil
}

// nextRecord builds the record that replaces prior. Sync bookkeeping carries
// over while the variant is unchanged; a record whose external subset still
// matches the last acknowledged push stays Synced.
func nextRecord(snap *registry.Snapshot, prior *model.DerivedRecord, res *engine.Result) (*model.DerivedRecord, error) {
	fp, err := model.Fingerprint(res.Fields)
	if err != nil {
		return nil, err
	}
	rec := &model.DerivedRecord{
		Pair:            res.Pair,
		Variant:         res.Variant,
		Fields:          res.Fields,
		SyncState:       model.SyncPending,
		Warnings:        res.Warnings,
		CalculatedAt:    res.CalculatedAt,
		RegistryVersion: res.RegistryVersion,
		Fingerprint:     fp,
	}
	if prior == nil || prior.Emptied() || prior.Variant != res.Variant {
		return rec, nil
	}

	rec.ExternalRevision = prior.ExternalRevision
	rec.LastPushedFingerprint = prior.LastPushedFingerprint
	if rec.Variant == model.VariantProvisional && prior.SyncState == model.SyncSynced {
		extFP, err := reconcile.Fingerprint(snap, rec.Variant, rec.Fields)
		if err != nil {
			return nil, err
		}
		if extFP == prior.LastPushedFingerprint {
			rec.SyncState = model.SyncSynced
		}
	}
	return rec, nil
}

// keepExternal puts the last pulled values back into the external subset of
// a homologated record: the stored snapshot when there is one, else the
// prior record's values. A failed or skipped pull then leaves those fields
// as they were.
func keepExternal(snap *registry.Snapshot, rec, prior *model.DerivedRecord, ext *model.ExternalSnapshot) error {
	switch {
	case ext != nil:
		reconcile.Apply(snap, rec, ext)
	case prior != nil && !prior.Emptied() && prior.Variant == rec.Variant:
		for _, def := range snap.ExternalFields(rec.Variant) {
			if v, ok := prior.Fields[def.FieldID]; ok {
				rec.Fields[def.FieldID] = v
			}
		}
	default:
		return nil
	}
	fp, err := model.Fingerprint(rec.Fields)
	if err != nil {
		return err
	}
	rec.Fingerprint = fp
	return nil
}

// retire removes the record of an ineligible pair.
func (h *Handler) retire(ctx context.Context, history model.PairHistory, decision eligibility.Decision, prior *model.DerivedRecord, now time.Time, out *Outcome) (*Outcome, error) {
	pair := history.Pair
	out.Action = ActionNone
	if prior == nil {
		return out, nil
	}
	out.Variant = prior.Variant
	if prior.Emptied() {
		out.Record = prior
		out.SyncState = prior.SyncState
		return out, nil
	}

	others, siblings, err := h.eligibleSiblings(ctx, pair, now)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}
	detail := strings.Join(decision.ReasonCodes(), ",")

	soleSupplier := len(siblings) <= 1
	if len(others) == 0 && soleSupplier && eligibility.AllTerminal(history) {
		rec := prior.Clone()
		rec.Fields = model.FieldSet{}
		rec.Warnings = nil
		rec.LastError = ""
		rec.SyncState = model.SyncNotRequired
		rec.CalculatedAt = now
		rec.EmptiedAt = &now
		if rec.Fingerprint, err = model.Fingerprint(rec.Fields); err != nil {
			return nil, fmt.Errorf("recalculate %s: %w", pair, err)
		}
		if err := h.commit(ctx, rec, model.AuditEmptied, detail); err != nil {
			return nil, err
		}
		out.Action = ActionEmptied
		out.Record = rec
		out.SyncState = rec.SyncState
		h.logger.Info().Str("pair", pair.String()).Str("reasons", detail).Msg("record emptied")
		return out, nil
	}

	_, err = h.store.DeleteRecord(context.WithoutCancel(ctx), pair, model.AuditEntry{
		ID:      h.ids.NewID(),
		Action:  model.AuditDeleted,
		At:      now,
		Variant: prior.Variant,
		Detail:  detail,
	})
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", pair, err)
	}
	out.Action = ActionDeleted
	h.logger.Info().
		Str("pair", pair.String()).
		Str("reasons", detail).
		Int("eligible_siblings", len(others)).
		Msg("record deleted")
	return out, nil
}

// eligibleSiblings returns the other eligible pairs of pair's material and
// every known pair of the material.
func (h *Handler) eligibleSiblings(ctx context.Context, pair model.PairKey, now time.Time) ([]model.PairKey, []model.PairKey, error) {
	siblings, err := h.store.ListSiblings(ctx, pair.MaterialID)
	if err != nil {
		return nil, nil, err
	}
	var eligible []model.PairKey
	for _, sib := range siblings {
		if sib == pair {
			continue
		}
		hist, err := h.store.LoadHistory(ctx, sib)
		if err != nil {
			return nil, nil, err
		}
		if h.evaluator.Check(hist, now).Eligible {
			eligible = append(eligible, sib)
		}
	}
	return eligible, siblings, nil
}

// sources loads the calculation inputs of pair. Only eligible suppliers of
// the material contribute to cross-supplier fields.
func (h *Handler) sources(ctx context.Context, pair model.PairKey, variant model.Variant, prior *model.DerivedRecord, now time.Time) (engine.Sources, error) {
	src := engine.Sources{Prior: prior, Now: now}

	var err error
	if src.Material, err = h.store.LoadMaterial(ctx, pair.MaterialID); err != nil {
		return src, err
	}

	others, _, err := h.eligibleSiblings(ctx, pair, now)
	if err != nil {
		return src, err
	}
	contributing := map[model.PairKey]bool{pair: true}
	for _, p := range others {
		contributing[p] = true
	}
	all, err := h.store.LoadSupplierSources(ctx, pair.MaterialID)
	if err != nil {
		return src, err
	}
	for _, s := range all {
		if contributing[s.Pair] {
			src.Suppliers = append(src.Suppliers, s)
		}
	}

	if src.Approvals, err = h.store.LoadApprovalsForMaterial(ctx, pair.MaterialID); err != nil {
		return src, err
	}
	if variant == model.VariantHomologated {
		if src.External, err = h.store.FindExternalSnapshot(ctx, pair); err != nil {
			return src, err
		}
	}
	return src, nil
}

// sync runs the record's sync direction under a context that a newer
// trigger for the pair can cancel.
func (h *Handler) sync(ctx context.Context, pl *pairLock, snap *registry.Snapshot, rec *model.DerivedRecord) (*model.DerivedRecord, error) {
	syncCtx, done := h.locks.syncContext(ctx, pl)
	defer done()

	if reconcile.DirectionFor(rec.Variant) == reconcile.DirectionPush {
		out, err := h.coordinator.Push(syncCtx, snap, rec)
		if out == nil {
			return rec, err
		}
		return out, err
	}

	res, err := h.coordinator.Pull(syncCtx, snap, rec)
	if res == nil {
		return rec, err
	}
	if res.Snapshot != nil {
		if serr := h.store.SaveExternalSnapshot(context.WithoutCancel(ctx), res.Snapshot); serr != nil {
			h.logger.Warn().Err(serr).Str("pair", rec.Pair.String()).Msg("external snapshot not stored")
		}
	}
	return res.Record, err
}

// commit saves rec with an audit entry. The write ignores cancellation of
// ctx so a cancelled sync still commits its Failed state.
func (h *Handler) commit(ctx context.Context, rec *model.DerivedRecord, action model.AuditAction, detail string) error {
	err := h.store.SaveRecord(context.WithoutCancel(ctx), rec, model.AuditEntry{
		ID:      h.ids.NewID(),
		Action:  action,
		At:      h.clock.Now(),
		Variant: rec.Variant,
		Detail:  detail,
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", rec.Pair, err)
	}
	return nil
}

func syncDetail(rec *model.DerivedRecord) string {
	if rec.LastError != "" {
		return fmt.Sprintf("sync=%s: %s", rec.SyncState, rec.LastError)
	}
	return "sync=" + string(rec.SyncState)
}
