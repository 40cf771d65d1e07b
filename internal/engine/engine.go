package engine

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

// Sources bundles every input of one calculation.
type Sources struct {
	// Material holds the attributes of the pair's material.
	Material model.Attributes

	// Suppliers lists every supplier currently contributing to the material,
	// including the pair being calculated.
	Suppliers []model.SupplierSource

	// Approvals holds the approval records of all suppliers of the material.
	Approvals []model.ApprovalRecord

	// Prior is the stored record, nil when none exists.
	Prior *model.DerivedRecord

	// External is the last fetched external snapshot, nil when unavailable.
	External *model.ExternalSnapshot

	// Now is the evaluation time.
	Now time.Time
}

// Result is a computed field set.
type Result struct {
	Pair            model.PairKey   `json:"pair"`
	Variant         model.Variant   `json:"variant"`
	Fields          model.FieldSet  `json:"fields"`
	Warnings        []model.Warning `json:"warnings,omitempty"`
	RegistryVersion int64           `json:"registry_version"`
	CalculatedAt    time.Time       `json:"calculated_at"`
}

// Evaluate computes every field of snap applying to variant.
//
// It is a pure function of its arguments. The first configuration error
// aborts the run and no Result is returned.
func Evaluate(snap *registry.Snapshot, pair model.PairKey, variant model.Variant, src Sources) (*Result, error) {
	defs := snap.ListForVariant(variant)
	ev := &evaluation{
		pair:    pair,
		variant: variant,
		src:     src,
		fields:  make(model.FieldSet, len(defs)),
	}
	for _, def := range defs {
		v, err := ev.field(def)
		if err != nil {
			return nil, err
		}
		ev.fields[def.FieldID] = v
	}
	return &Result{
		Pair:            pair,
		Variant:         variant,
		Fields:          ev.fields,
		Warnings:        ev.warnings,
		RegistryVersion: snap.Version(),
		CalculatedAt:    src.Now,
	}, nil
}

// Engine evaluates calculations against the live registry.
//
// Thread-safety: Calculate is safe for concurrent use. Each call works on
// the registry snapshot current when it starts.
type Engine struct {
	registry *registry.Registry
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer sets the tracer. Default: the global otel tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// New creates an Engine reading definitions from reg.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("github.com/roach88/bluelines/internal/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the engine reads from.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Calculate takes the current registry snapshot and evaluates pair.
func (e *Engine) Calculate(ctx context.Context, pair model.PairKey, variant model.Variant, src Sources) (*Result, error) {
	return e.CalculateSnapshot(ctx, e.registry.Snapshot(), pair, variant, src)
}

// CalculateSnapshot evaluates pair against a snapshot the caller already
// holds, so the same definitions can drive the calculation and the sync that
// follows it.
func (e *Engine) CalculateSnapshot(ctx context.Context, snap *registry.Snapshot, pair model.PairKey, variant model.Variant, src Sources) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Calculate", trace.WithAttributes(
		attribute.String("pair", pair.String()),
		attribute.String("variant", string(variant)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := Evaluate(snap, pair, variant, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calculation aborted")
		e.logger.Error().Err(err).
			Str("pair", pair.String()).
			Str("variant", string(variant)).
			Int64("registry_version", snap.Version()).
			Msg("calculation aborted")
		return nil, fmt.Errorf("calculate %s: %w", pair, err)
	}

	span.SetAttributes(
		attribute.Int("fields", len(res.Fields)),
		attribute.Int("warnings", len(res.Warnings)),
		attribute.Int64("registry_version", res.RegistryVersion),
	)
	e.logger.Debug().
		Str("pair", pair.String()).
		Str("variant", string(variant)).
		Int("fields", len(res.Fields)).
		Int("warnings", len(res.Warnings)).
		Msg("calculated")
	return res, nil
}

// CheckEdit reports whether fieldID may be edited by hand on a record of
// variant: only manual fields are editable.
func CheckEdit(snap *registry.Snapshot, pair model.PairKey, variant model.Variant, fieldID string) error {
	def, ok := snap.Resolve(fieldID, variant)
	if !ok {
		return &EditError{Code: ErrCodeUnknownField, FieldID: fieldID, Pair: pair,
			Message: fmt.Sprintf("no definition for %s records", variant)}
	}
	switch def.Operator {
	case model.OpManual:
		return nil
	case model.OpBlocked:
		return &EditError{Code: ErrCodeBlockedField, FieldID: fieldID, Pair: pair,
			Message: "field holds a fixed system value"}
	default:
		return &EditError{Code: ErrCodeNotManual, FieldID: fieldID, Pair: pair,
			Message: fmt.Sprintf("field is computed by %s", def.Operator)}
	}
}

// ApplyManualEdit returns a copy of rec with fieldID set to value. It is the
// only path by which a stored record changes outside of recalculation.
func ApplyManualEdit(snap *registry.Snapshot, rec *model.DerivedRecord, fieldID string, value model.Value) (*model.DerivedRecord, error) {
	if rec.Emptied() {
		return nil, &EditError{Code: ErrCodeEmptiedRecord, FieldID: fieldID, Pair: rec.Pair,
			Message: "record was emptied and carries no fields"}
	}
	if err := CheckEdit(snap, rec.Pair, rec.Variant, fieldID); err != nil {
		return nil, err
	}
	if value == nil {
		value = model.Null{}
	}
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = make(model.FieldSet)
	}
	out.Fields[fieldID] = value
	return out, nil
}
