// Package dataset loads source data (materials, supplier attributes,
// approvals, purchases, compositions and external snapshots) from YAML and
// writes it to a store.
//
// Dates are given either as an absolute `at` timestamp or as an `ago`
// window such as "2y" or "90d", resolved against the time passed to Apply.
package dataset

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/model"
)

// Dataset is one YAML document of source data.
type Dataset struct {
	Materials    map[string]map[string]any `yaml:"materials,omitempty"`
	Suppliers    []Supplier                `yaml:"suppliers,omitempty"`
	Approvals    []Approval                `yaml:"approvals,omitempty"`
	Purchases    []Purchase                `yaml:"purchases,omitempty"`
	Compositions []Composition             `yaml:"compositions,omitempty"`
	External     []External                `yaml:"external,omitempty"`
}

// Supplier carries the attributes one supplier reports for a material.
type Supplier struct {
	Pair       string         `yaml:"pair"`
	Attributes map[string]any `yaml:"attributes"`
}

// When is an absolute or relative point in time.
type When struct {
	At  *time.Time `yaml:"at,omitempty"`
	Ago string     `yaml:"ago,omitempty"`
}

// Approval is one approval record.
type Approval struct {
	ID      string `yaml:"id,omitempty"`
	Pair    string `yaml:"pair"`
	Section string `yaml:"section,omitempty"`
	Status  string `yaml:"status"`
	When    `yaml:",inline"`
}

// Purchase is one purchase or sample request.
type Purchase struct {
	ID   string `yaml:"id,omitempty"`
	Pair string `yaml:"pair"`
	Kind string `yaml:"kind,omitempty"`
	When `yaml:",inline"`
}

// Composition is one composition analysis.
type Composition struct {
	ID       string `yaml:"id,omitempty"`
	Pair     string `yaml:"pair"`
	Origin   string `yaml:"origin"`
	Approved bool   `yaml:"approved"`
	When     `yaml:",inline"`
}

// External is the external composition system's data for a pair, keyed by
// external field name.
type External struct {
	Pair     string         `yaml:"pair"`
	Revision string         `yaml:"revision"`
	Fields   map[string]any `yaml:"fields"`
}

// Writer is the store surface Apply writes through.
type Writer interface {
	UpsertMaterial(ctx context.Context, materialID string, attrs model.Attributes) error
	UpsertSupplier(ctx context.Context, pair model.PairKey, attrs model.Attributes) error
	RecordApproval(ctx context.Context, rec model.ApprovalRecord) error
	RecordPurchase(ctx context.Context, ev model.PurchaseEvent) error
	RecordComposition(ctx context.Context, rec model.CompositionRecord) error
}

// Env resolves relative dates and default ids.
type Env struct {
	Now time.Time
	// IDPrefix prefixes generated record ids. Entries without an id get
	// "<prefix><kind>-<pair>-<index>", so applying the same file twice
	// writes nothing new.
	IDPrefix string
}

// Summary counts what Apply wrote.
type Summary struct {
	Materials    int             `json:"materials"`
	Suppliers    int             `json:"suppliers"`
	Approvals    int             `json:"approvals"`
	Purchases    int             `json:"purchases"`
	Compositions int             `json:"compositions"`
	Pairs        []model.PairKey `json:"pairs"`
}

// Load reads and parses a dataset file.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	ds, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return ds, nil
}

// Parse decodes a dataset. Unknown keys are rejected.
func Parse(data []byte) (*Dataset, error) {
	var ds Dataset
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&ds); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &ds, nil
}

// Apply writes the dataset in dependency order: materials, suppliers, then
// history. It stops at the first invalid entry; entries written before it
// stay written.
func (d *Dataset) Apply(ctx context.Context, w Writer, env Env) (Summary, error) {
	sum := Summary{Pairs: []model.PairKey{}}
	touched := map[model.PairKey]bool{}
	touch := func(p model.PairKey) {
		if !touched[p] {
			touched[p] = true
			sum.Pairs = append(sum.Pairs, p)
		}
	}

	for _, id := range sortedKeys(d.Materials) {
		attrs, err := attributes(d.Materials[id])
		if err != nil {
			return sum, fmt.Errorf("materials.%s: %w", id, err)
		}
		if err := w.UpsertMaterial(ctx, id, attrs); err != nil {
			return sum, err
		}
		sum.Materials++
	}

	for i, s := range d.Suppliers {
		pair, err := model.ParsePairKey(s.Pair)
		if err != nil {
			return sum, fmt.Errorf("suppliers[%d]: %w", i, err)
		}
		attrs, err := attributes(s.Attributes)
		if err != nil {
			return sum, fmt.Errorf("suppliers[%d]: %w", i, err)
		}
		if err := w.UpsertSupplier(ctx, pair, attrs); err != nil {
			return sum, err
		}
		sum.Suppliers++
		touch(pair)
	}

	for i, a := range d.Approvals {
		rec, err := a.record(i, env)
		if err != nil {
			return sum, fmt.Errorf("approvals[%d]: %w", i, err)
		}
		if err := w.RecordApproval(ctx, rec); err != nil {
			return sum, fmt.Errorf("approvals[%d]: %w", i, err)
		}
		sum.Approvals++
		touch(rec.Pair)
	}

	for i, p := range d.Purchases {
		ev, err := p.event(i, env)
		if err != nil {
			return sum, fmt.Errorf("purchases[%d]: %w", i, err)
		}
		if err := w.RecordPurchase(ctx, ev); err != nil {
			return sum, fmt.Errorf("purchases[%d]: %w", i, err)
		}
		sum.Purchases++
		touch(ev.Pair)
	}

	for i, c := range d.Compositions {
		rec, err := c.record(i, env)
		if err != nil {
			return sum, fmt.Errorf("compositions[%d]: %w", i, err)
		}
		if err := w.RecordComposition(ctx, rec); err != nil {
			return sum, fmt.Errorf("compositions[%d]: %w", i, err)
		}
		sum.Compositions++
		touch(rec.Pair)
	}

	slices.SortFunc(sum.Pairs, comparePairs)
	return sum, nil
}

// Snapshots converts the external entries, stamped with now.
func (d *Dataset) Snapshots(now time.Time) ([]model.ExternalSnapshot, error) {
	out := make([]model.ExternalSnapshot, 0, len(d.External))
	for i, e := range d.External {
		pair, err := model.ParsePairKey(e.Pair)
		if err != nil {
			return nil, fmt.Errorf("external[%d]: %w", i, err)
		}
		attrs, err := attributes(e.Fields)
		if err != nil {
			return nil, fmt.Errorf("external[%d]: %w", i, err)
		}
		out = append(out, model.ExternalSnapshot{
			Pair:      pair,
			Revision:  e.Revision,
			Fields:    model.FieldSet(attrs),
			FetchedAt: now,
		})
	}
	return out, nil
}

func (a Approval) record(i int, env Env) (model.ApprovalRecord, error) {
	pair, err := model.ParsePairKey(a.Pair)
	if err != nil {
		return model.ApprovalRecord{}, err
	}
	at, err := a.When.resolve(env.Now)
	if err != nil {
		return model.ApprovalRecord{}, err
	}
	section := model.Section(a.Section)
	if section == "" {
		section = model.SectionRegulatory
	}
	return model.ApprovalRecord{
		ID:         defaultID(a.ID, env, "approval", pair, i),
		Pair:       pair,
		Section:    section,
		Status:     model.ApprovalStatus(a.Status),
		RecordedAt: at,
		Seq:        int64(i),
	}, nil
}

func (p Purchase) event(i int, env Env) (model.PurchaseEvent, error) {
	pair, err := model.ParsePairKey(p.Pair)
	if err != nil {
		return model.PurchaseEvent{}, err
	}
	at, err := p.When.resolve(env.Now)
	if err != nil {
		return model.PurchaseEvent{}, err
	}
	return model.PurchaseEvent{
		ID:   defaultID(p.ID, env, "purchase", pair, i),
		Pair: pair,
		At:   at,
		Kind: model.PurchaseKind(p.Kind),
	}, nil
}

func (c Composition) record(i int, env Env) (model.CompositionRecord, error) {
	pair, err := model.ParsePairKey(c.Pair)
	if err != nil {
		return model.CompositionRecord{}, err
	}
	at, err := c.When.resolve(env.Now)
	if err != nil {
		return model.CompositionRecord{}, err
	}
	origin := model.Origin(c.Origin)
	if origin != model.OriginLaboratory && origin != model.OriginSupplier {
		return model.CompositionRecord{}, fmt.Errorf("invalid origin %q: must be laboratory or supplier", c.Origin)
	}
	return model.CompositionRecord{
		ID:         defaultID(c.ID, env, "composition", pair, i),
		Pair:       pair,
		Origin:     origin,
		Approved:   c.Approved,
		RecordedAt: at,
	}, nil
}

// resolve returns the absolute time of w. Neither field set means now.
func (w When) resolve(now time.Time) (time.Time, error) {
	switch {
	case w.At != nil && w.Ago != "":
		return time.Time{}, errors.New("at and ago are mutually exclusive")
	case w.At != nil:
		return w.At.UTC(), nil
	case w.Ago != "":
		lb, err := eligibility.ParseLookback(w.Ago)
		if err != nil {
			return time.Time{}, err
		}
		return lb.Since(now).UTC(), nil
	default:
		return now.UTC(), nil
	}
}

func defaultID(id string, env Env, kind string, pair model.PairKey, i int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s%s-%s-%d", env.IDPrefix, kind, pair, i)
}

func attributes(raw map[string]any) (model.Attributes, error) {
	attrs := make(model.Attributes, len(raw))
	for _, k := range sortedKeys(raw) {
		v, err := model.FromGo(raw[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func comparePairs(a, b model.PairKey) int {
	return cmp.Or(cmp.Compare(a.MaterialID, b.MaterialID), cmp.Compare(a.SupplierCode, b.SupplierCode))
}
