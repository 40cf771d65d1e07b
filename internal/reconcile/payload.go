package reconcile

import (
	"fmt"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/registry"
)

// Direction is the one-way flow of a variant.
type Direction string

const (
	DirectionPush Direction = "push" // derived -> external
	DirectionPull Direction = "pull" // external -> derived
)

// DirectionFor returns the sync direction of a variant: provisional records
// are pushed, homologated records are pulled, never the reverse.
func DirectionFor(v model.Variant) Direction {
	if v == model.VariantHomologated {
		return DirectionPull
	}
	return DirectionPush
}

// Payload is the externally-relevant subset of a record, keyed by external
// field name.
type Payload struct {
	Pair            model.PairKey  `json:"pair"`
	Variant         model.Variant  `json:"variant"`
	Fields          model.FieldSet `json:"fields"`
	Fingerprint     string         `json:"fingerprint"`
	IdempotencyKey  string         `json:"idempotency_key"`
	RegistryVersion int64          `json:"registry_version"`
}

// PushResult is the external system's acknowledgement of a push.
type PushResult struct {
	Revision string `json:"revision"`
}

// BuildPayload extracts the external subset of rec. Fields missing from the
// record are sent as Null. The result depends only on the snapshot and the
// record's fields, so retries send identical payloads.
func BuildPayload(snap *registry.Snapshot, rec *model.DerivedRecord) (Payload, error) {
	fields := ExternalFields(snap, rec.Variant, rec.Fields)
	fp, err := model.Fingerprint(fields)
	if err != nil {
		return Payload{}, fmt.Errorf("build payload %s: %w", rec.Pair, err)
	}
	key, err := model.PayloadKey(rec.Pair, fields)
	if err != nil {
		return Payload{}, fmt.Errorf("build payload %s: %w", rec.Pair, err)
	}
	return Payload{
		Pair:            rec.Pair,
		Variant:         rec.Variant,
		Fields:          fields,
		Fingerprint:     fp,
		IdempotencyKey:  key,
		RegistryVersion: snap.Version(),
	}, nil
}

// ExternalFields maps the external definitions of variant from field ids to
// external names.
func ExternalFields(snap *registry.Snapshot, variant model.Variant, fields model.FieldSet) model.FieldSet {
	out := make(model.FieldSet)
	for _, def := range snap.ExternalFields(variant) {
		v, ok := fields[def.FieldID]
		if !ok || v == nil {
			v = model.Null{}
		}
		out[def.ExternalName()] = v
	}
	return out
}

// Fingerprint is the fingerprint of the external subset of fields. It is
// what LastPushedFingerprint is compared against.
func Fingerprint(snap *registry.Snapshot, variant model.Variant, fields model.FieldSet) (string, error) {
	return model.Fingerprint(ExternalFields(snap, variant, fields))
}
