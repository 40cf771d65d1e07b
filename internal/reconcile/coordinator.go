// Package reconcile keeps derived records consistent with the external
// composition system.
//
// Sync is one-way per variant: provisional records are pushed and
// homologated records are pulled. The coordinator never retries; a failed
// sync is recorded on the record and left to the trigger source.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/registry"
)

// Client talks to the external composition system.
type Client interface {
	Push(ctx context.Context, payload Payload) (PushResult, error)
	Pull(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error)
}

// DefaultTimeout bounds a single push or pull.
const DefaultTimeout = 30 * time.Second

// Coordinator runs push and pull against a Client.
//
// Thread-safety: Coordinator is stateless apart from its configuration and
// safe for concurrent use. Serializing syncs of the same pair is the
// caller's job.
type Coordinator struct {
	client  Client
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the per-call timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source used for FetchedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// New creates a Coordinator.
func New(client Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:  client,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("github.com/roach88/bluelines/internal/reconcile"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PullResult is the outcome of a successful pull.
type PullResult struct {
	Record   *model.DerivedRecord
	Snapshot *model.ExternalSnapshot
}

// Sync runs the operation required by the record's variant.
func (c *Coordinator) Sync(ctx context.Context, snap *registry.Snapshot, rec *model.DerivedRecord) (*model.DerivedRecord, error) {
	if DirectionFor(rec.Variant) == DirectionPull {
		res, err := c.Pull(ctx, snap, rec)
		if res == nil {
			return nil, err
		}
		return res.Record, err
	}
	return c.Push(ctx, snap, rec)
}

// Push sends the external subset of a provisional record.
//
// The returned record is a copy of rec: Synced with the acknowledged revision
// on success, Failed with LastError otherwise. Fields are never modified.
// Homologated records are refused without contacting the client; the
// returned record is nil in that case.
func (c *Coordinator) Push(ctx context.Context, snap *registry.Snapshot, rec *model.DerivedRecord) (*model.DerivedRecord, error) {
	if DirectionFor(rec.Variant) != DirectionPush {
		return nil, &SyncError{Kind: KindWrongDirection, Op: DirectionPush, Pair: rec.Pair,
			Err: fmt.Errorf("%s records are pulled, not pushed", rec.Variant)}
	}

	ctx, span := c.tracer.Start(ctx, "reconcile.Push", trace.WithAttributes(
		attribute.String("pair", rec.Pair.String()),
	))
	defer span.End()

	out := rec.Clone()
	payload, err := BuildPayload(snap, rec)
	if err != nil {
		return c.fail(span, out, DirectionPush, &SyncError{Kind: KindValidation, Op: DirectionPush, Pair: rec.Pair, Err: err})
	}

	if rec.SyncState == model.SyncSynced && rec.LastPushedFingerprint == payload.Fingerprint {
		span.SetAttributes(attribute.Bool("unchanged", true))
		return out, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ack, err := c.client.Push(callCtx, payload)
	if err == nil {
		// A client may ignore cancellation; the deadline still wins.
		err = callCtx.Err()
	}
	if err != nil {
		return c.fail(span, out, DirectionPush, &SyncError{Kind: classify(callCtx, err), Op: DirectionPush, Pair: rec.Pair, Err: err})
	}

	out.SyncState = model.SyncSynced
	out.LastError = ""
	out.ExternalRevision = ack.Revision
	out.LastPushedFingerprint = payload.Fingerprint
	span.SetAttributes(attribute.String("revision", ack.Revision))
	c.logger.Info().
		Str("pair", rec.Pair.String()).
		Str("revision", ack.Revision).
		Int("fields", len(payload.Fields)).
		Msg("pushed")
	return out, nil
}

// Pull fetches the external snapshot of a homologated record and replaces
// the record's external subset with it.
//
// External names absent from the snapshot become Null. Snapshot keys naming
// blocked fields are skipped with a warning. On failure the returned result
// carries a Failed copy of rec with unchanged fields.
func (c *Coordinator) Pull(ctx context.Context, snap *registry.Snapshot, rec *model.DerivedRecord) (*PullResult, error) {
	if DirectionFor(rec.Variant) != DirectionPull {
		return nil, &SyncError{Kind: KindWrongDirection, Op: DirectionPull, Pair: rec.Pair,
			Err: fmt.Errorf("%s records are pushed, not pulled", rec.Variant)}
	}

	ctx, span := c.tracer.Start(ctx, "reconcile.Pull", trace.WithAttributes(
		attribute.String("pair", rec.Pair.String()),
	))
	defer span.End()

	out := rec.Clone()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ext, err := c.client.Pull(callCtx, rec.Pair)
	if err == nil {
		err = callCtx.Err()
	}
	if err == nil && ext == nil {
		err = fmt.Errorf("%w: empty snapshot", ErrRejected)
	}
	if err != nil {
		failed, err := c.fail(span, out, DirectionPull, &SyncError{Kind: classify(callCtx, err), Op: DirectionPull, Pair: rec.Pair, Err: err})
		return &PullResult{Record: failed}, err
	}
	if ext.FetchedAt.IsZero() {
		ext.FetchedAt = c.now()
	}

	Apply(snap, out, ext)
	out.SyncState = model.SyncSynced
	out.LastError = ""
	out.ExternalRevision = ext.Revision
	if fp, err := model.Fingerprint(out.Fields); err == nil {
		out.Fingerprint = fp
	}

	span.SetAttributes(attribute.String("revision", ext.Revision))
	c.logger.Info().
		Str("pair", rec.Pair.String()).
		Str("revision", ext.Revision).
		Int("fields", len(ext.Fields)).
		Msg("pulled")
	return &PullResult{Record: out, Snapshot: ext}, nil
}

// Apply replaces the external subset of rec.Fields in place with the values
// of ext. External data always wins for the fields it covers, so warnings
// already recorded against those fields are dropped. The warnings Apply
// produces are added to rec.Warnings and also returned.
func Apply(snap *registry.Snapshot, rec *model.DerivedRecord, ext *model.ExternalSnapshot) []model.Warning {
	if rec.Fields == nil {
		rec.Fields = make(model.FieldSet)
	}

	external := snap.ExternalFields(rec.Variant)
	owned := make(map[string]bool, len(external))
	for _, def := range external {
		owned[def.FieldID] = true
	}
	kept := make([]model.Warning, 0, len(rec.Warnings))
	for _, w := range rec.Warnings {
		if owned[w.FieldID] || w.Kind == model.WarnBlockedField {
			continue
		}
		kept = append(kept, w)
	}

	var warnings []model.Warning
	for _, def := range snap.ListForVariant(rec.Variant) {
		if def.Operator != model.OpBlocked {
			continue
		}
		if _, ok := ext.Fields[def.ExternalName()]; ok {
			warnings = append(warnings, model.Warning{
				Kind:    model.WarnBlockedField,
				FieldID: def.FieldID,
				Message: fmt.Sprintf("external revision %s carries blocked field %s; ignored", ext.Revision, def.ExternalName()),
			})
		}
	}

	for _, def := range external {
		v, ok := ext.Fields[def.ExternalName()]
		if !ok || v == nil {
			v = model.Null{}
		}
		rec.Fields[def.FieldID] = v
	}

	rec.Warnings = append(kept, warnings...)
	if len(rec.Warnings) == 0 {
		rec.Warnings = nil
	}
	return warnings
}

func (c *Coordinator) fail(span trace.Span, out *model.DerivedRecord, op Direction, serr *SyncError) (*model.DerivedRecord, error) {
	span.RecordError(serr)
	span.SetStatus(codes.Error, string(serr.Kind))
	out.SyncState = model.SyncFailed
	out.LastError = serr.Error()
	c.logger.Warn().
		Err(serr.Err).
		Str("pair", out.Pair.String()).
		Str("op", string(op)).
		Str("kind", string(serr.Kind)).
		Msg("sync failed")
	return out, serr
}
