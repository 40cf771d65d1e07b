package registry

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/bluelines/internal/model"
)

// Snapshot is an immutable, versioned view of the definition set.
// Safe for concurrent use.
type Snapshot struct {
	version   int64
	defs      []model.FieldLogicDefinition // sorted by field id, applicability
	byVariant map[model.Variant][]model.FieldLogicDefinition
}

// NewSnapshot builds a snapshot without validating the set. It is meant for
// definitions that were validated when they were written (e.g. loaded from
// the store); use New or Replace for untrusted input.
func NewSnapshot(version int64, defs []model.FieldLogicDefinition) *Snapshot {
	sorted := slices.Clone(defs)
	slices.SortStableFunc(sorted, func(a, b model.FieldLogicDefinition) int {
		if c := strings.Compare(a.FieldID, b.FieldID); c != 0 {
			return c
		}
		return strings.Compare(string(a.Applicability), string(b.Applicability))
	})
	return &Snapshot{
		version: version,
		defs:    sorted,
		byVariant: map[model.Variant][]model.FieldLogicDefinition{
			model.VariantProvisional: orderFor(sorted, model.VariantProvisional),
			model.VariantHomologated: orderFor(sorted, model.VariantHomologated),
		},
	}
}

// Version returns the configuration version this snapshot was taken from.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Len returns the number of definitions.
func (s *Snapshot) Len() int {
	return len(s.defs)
}

// All returns every definition sorted by field id.
func (s *Snapshot) All() []model.FieldLogicDefinition {
	return slices.Clone(s.defs)
}

// Resolve returns the definition of fieldID applying to variant.
func (s *Snapshot) Resolve(fieldID string, variant model.Variant) (model.FieldLogicDefinition, bool) {
	for _, def := range s.byVariant[variant] {
		if def.FieldID == fieldID {
			return def, true
		}
	}
	return model.FieldLogicDefinition{}, false
}

// ListForVariant returns the definitions applying to variant in evaluation
// order: priority ascending, ties broken by field id.
func (s *Snapshot) ListForVariant(variant model.Variant) []model.FieldLogicDefinition {
	return slices.Clone(s.byVariant[variant])
}

// ExternalFields returns the externally-relevant definitions of variant in
// evaluation order.
func (s *Snapshot) ExternalFields(variant model.Variant) []model.FieldLogicDefinition {
	var out []model.FieldLogicDefinition
	for _, def := range s.byVariant[variant] {
		if def.External {
			out = append(out, def)
		}
	}
	return out
}

// Registry holds the live definition set.
//
// Thread-safety model:
//   - Snapshot/Resolve/ListForVariant: lock-free, safe from any goroutine
//   - Create/Update/Delete/Replace: serialized by an internal mutex; each
//     successful call publishes a new snapshot atomically
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// New creates a registry holding defs. The set is validated as a whole.
func New(defs ...model.FieldLogicDefinition) (*Registry, error) {
	r := &Registry{}
	r.current.Store(NewSnapshot(0, nil))
	if len(defs) == 0 {
		return r, nil
	}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Version returns the current configuration version.
func (r *Registry) Version() int64 {
	return r.Snapshot().Version()
}

// Resolve looks fieldID up in the current snapshot.
func (r *Registry) Resolve(fieldID string, variant model.Variant) (model.FieldLogicDefinition, bool) {
	return r.Snapshot().Resolve(fieldID, variant)
}

// ListForVariant lists the current snapshot's definitions for variant.
func (r *Registry) ListForVariant(variant model.Variant) []model.FieldLogicDefinition {
	return r.Snapshot().ListForVariant(variant)
}

// Create adds a definition. It fails if a definition for the same field
// already covers one of the same variants.
func (r *Registry) Create(def model.FieldLogicDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	for _, existing := range cur.defs {
		if existing.FieldID == def.FieldID && existing.Applicability.Overlaps(def.Applicability) {
			return configErr(CodeDuplicateField, def.FieldID,
				"a %s definition already exists; %s would overlap it", existing.Applicability, def.Applicability)
		}
	}
	return r.publish(cur, append(cur.All(), def))
}

// Update replaces the definition with the same field id and applicability.
func (r *Registry) Update(def model.FieldLogicDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cur.All()
	idx := slices.IndexFunc(next, func(d model.FieldLogicDefinition) bool {
		return d.FieldID == def.FieldID && d.Applicability == def.Applicability
	})
	if idx < 0 {
		return configErr(CodeDefinitionNotFound, def.FieldID, "no %s definition to update", def.Applicability)
	}
	next[idx] = def
	return r.publish(cur, next)
}

// Delete removes the definition with the given field id and applicability.
func (r *Registry) Delete(fieldID string, applicability model.Applicability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cur.All()
	idx := slices.IndexFunc(next, func(d model.FieldLogicDefinition) bool {
		return d.FieldID == fieldID && d.Applicability == applicability
	})
	if idx < 0 {
		return configErr(CodeDefinitionNotFound, fieldID, "no %s definition to delete", applicability)
	}
	next = slices.Delete(next, idx, idx+1)
	return r.publish(cur, next)
}

// Replace swaps the whole definition set (bulk import).
func (r *Registry) Replace(defs []model.FieldLogicDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publish(r.current.Load(), defs)
}

// Restore installs snap as the current set, keeping its version. It is the
// path for a set persisted by an earlier process, which was validated when
// it was published; it is not validated again.
func (r *Registry) Restore(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(snap)
}

// publish validates next and installs it as version cur+1.
// Caller must hold r.mu.
func (r *Registry) publish(cur *Snapshot, next []model.FieldLogicDefinition) error {
	if issue := firstError(Validate(next)); issue != nil {
		return &ConfigurationError{
			Code:    ConfigCode(issue.Code),
			FieldID: issue.FieldID,
			Variant: issue.Variant,
			Message: issue.Message,
		}
	}
	r.current.Store(NewSnapshot(cur.Version()+1, next))
	return nil
}
