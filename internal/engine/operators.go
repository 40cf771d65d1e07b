package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/registry"
)

// evaluation holds the state of one Evaluate run.
type evaluation struct {
	pair     model.PairKey
	variant  model.Variant
	src      Sources
	fields   model.FieldSet
	warnings []model.Warning
}

func (ev *evaluation) warn(kind model.WarningKind, fieldID, format string, args ...any) {
	ev.warnings = append(ev.warnings, model.Warning{
		Kind:    kind,
		FieldID: fieldID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (ev *evaluation) field(def model.FieldLogicDefinition) (model.Value, error) {
	switch def.Operator {
	case model.OpCopy:
		return ev.copyField(def)
	case model.OpConcatenate:
		return ev.concatenate(def)
	case model.OpWorstCase:
		return ev.worstCase(def)
	case model.OpManual:
		return ev.manual(def), nil
	case model.OpBlocked:
		return ev.blocked(def), nil
	default:
		return nil, &registry.ConfigurationError{
			Code:    registry.CodeInvalidOperator,
			FieldID: def.FieldID,
			Variant: ev.variant,
			Message: fmt.Sprintf("unknown operator %q", def.Operator),
		}
	}
}

func (ev *evaluation) copyField(def model.FieldLogicDefinition) (model.Value, error) {
	path, err := model.ParseSourcePath(def.Source)
	if err != nil {
		return nil, ev.configErr(def, registry.CodeInvalidSource, err.Error())
	}
	v, ok := ev.resolve(path)
	if !ok {
		ev.warn(model.WarnSourceMissing, def.FieldID, "source %s did not resolve", path)
		return model.Null{}, nil
	}
	return v, nil
}

// resolve looks a path up for the current pair.
func (ev *evaluation) resolve(path model.SourcePath) (model.Value, bool) {
	switch path.Scope {
	case model.ScopeMaterial:
		v, ok := ev.src.Material[path.Name]
		return v, ok
	case model.ScopeSupplier:
		for _, s := range ev.src.Suppliers {
			if s.Pair == ev.pair {
				v, ok := s.Attributes[path.Name]
				return v, ok
			}
		}
		return nil, false
	case model.ScopeApproval:
		section, _, _ := strings.Cut(path.Name, ".")
		status, ok := model.CurrentStatus(ev.src.Approvals, ev.pair, model.Section(section))
		if !ok {
			return nil, false
		}
		return model.String(status), true
	case model.ScopeExternal:
		if ev.src.External == nil {
			return nil, false
		}
		v, ok := ev.src.External.Fields[path.Name]
		return v, ok
	case model.ScopeField:
		v, ok := ev.fields[path.Name]
		return v, ok
	}
	return nil, false
}

// supplierTexts gathers the non-empty values of attr across every
// contributing supplier, in pair order. List values contribute each element.
func (ev *evaluation) supplierTexts(attr string) []string {
	var out []string
	for _, s := range ev.sortedSuppliers() {
		out = append(out, textsOf(s.Attributes[attr])...)
	}
	return out
}

func (ev *evaluation) sortedSuppliers() []model.SupplierSource {
	suppliers := slices.Clone(ev.src.Suppliers)
	slices.SortFunc(suppliers, func(a, b model.SupplierSource) int {
		return strings.Compare(a.Pair.String(), b.Pair.String())
	})
	return suppliers
}

// textsOf returns the non-empty texts of v, one per list element.
func textsOf(v model.Value) []string {
	var out []string
	add := func(v model.Value) {
		if model.IsEmpty(v) {
			return
		}
		if s, ok := model.Text(v); ok {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if list, ok := v.(model.List); ok {
		for _, item := range list {
			add(item)
		}
		return out
	}
	add(v)
	return out
}

func (ev *evaluation) worstCase(def model.FieldLogicDefinition) (model.Value, error) {
	if len(def.Hierarchy) == 0 {
		return nil, ev.configErr(def, registry.CodeMissingHierarchy, "worst_case field has no hierarchy")
	}
	path, err := model.ParseSourcePath(def.Source)
	if err != nil || path.Scope != model.ScopeSupplier {
		return nil, ev.configErr(def, registry.CodeInvalidSource, "worst_case needs a supplier.<attr> source")
	}

	rank := make(map[string]int, len(def.Hierarchy))
	for i, h := range def.Hierarchy {
		rank[model.FoldKey(h)] = i
	}
	worstRank := len(def.Hierarchy) - 1

	// A contributing supplier without a value ranks worst.
	worst := -1
	for _, sup := range ev.sortedSuppliers() {
		texts := textsOf(sup.Attributes[path.Name])
		if len(texts) == 0 {
			ev.warn(model.WarnInvalidHierarchyValue, def.FieldID,
				"supplier %s has no %s; treated as %q", sup.Pair, path.Name, def.Hierarchy[worstRank])
			worst = worstRank
			continue
		}
		for _, s := range texts {
			r, ok := rank[model.FoldKey(s)]
			if !ok {
				ev.warn(model.WarnInvalidHierarchyValue, def.FieldID,
					"value %q is not in hierarchy %v; treated as %q", s, def.Hierarchy, def.Hierarchy[worstRank])
				r = worstRank
			}
			worst = max(worst, r)
		}
	}
	if worst < 0 {
		return model.Null{}, nil
	}
	return model.String(def.Hierarchy[worst]), nil
}

func (ev *evaluation) manual(def model.FieldLogicDefinition) model.Value {
	if ev.src.Prior != nil {
		if v, ok := ev.src.Prior.Fields[def.FieldID]; ok && v != nil {
			return v
		}
	}
	return model.Null{}
}

func (ev *evaluation) blocked(def model.FieldLogicDefinition) model.Value {
	switch def.Fixed {
	case "":
		return model.Null{}
	case model.FixedCalculatedAt:
		return model.String(ev.src.Now.UTC().Format(time.RFC3339))
	case model.FixedVariant:
		return model.String(ev.variant)
	case model.FixedPair:
		return model.String(ev.pair.String())
	default:
		return model.String(def.Fixed)
	}
}

func (ev *evaluation) configErr(def model.FieldLogicDefinition, code registry.ConfigCode, msg string) error {
	return &registry.ConfigurationError{Code: code, FieldID: def.FieldID, Variant: ev.variant, Message: msg}
}
