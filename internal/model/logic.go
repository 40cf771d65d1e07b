package model

import (
	"fmt"
	"strings"
)

// OperatorKind is the closed set of field logic operators.
type OperatorKind string

const (
	OpCopy        OperatorKind = "copy"
	OpConcatenate OperatorKind = "concatenate"
	OpWorstCase   OperatorKind = "worst_case"
	OpManual      OperatorKind = "manual"
	OpBlocked     OperatorKind = "blocked"
)

// Valid reports whether k is a known operator.
func (k OperatorKind) Valid() bool {
	switch k {
	case OpCopy, OpConcatenate, OpWorstCase, OpManual, OpBlocked:
		return true
	}
	return false
}

// NeedsSource reports whether the operator reads a source path.
func (k OperatorKind) NeedsSource() bool {
	return k == OpCopy || k == OpConcatenate || k == OpWorstCase
}

// Applicability selects which record variants a definition applies to.
type Applicability string

const (
	ApplyProvisional Applicability = "provisional"
	ApplyHomologated Applicability = "homologated"
	ApplyBoth        Applicability = "both"
)

// Valid reports whether a is a known applicability.
func (a Applicability) Valid() bool {
	return a == ApplyProvisional || a == ApplyHomologated || a == ApplyBoth
}

// Covers reports whether a definition with this applicability applies to v.
func (a Applicability) Covers(v Variant) bool {
	switch a {
	case ApplyBoth:
		return true
	case ApplyProvisional:
		return v == VariantProvisional
	case ApplyHomologated:
		return v == VariantHomologated
	}
	return false
}

// Overlaps reports whether two applicabilities share a variant.
func (a Applicability) Overlaps(b Applicability) bool {
	return a == ApplyBoth || b == ApplyBoth || a == b
}

// Tokens recognized in a blocked definition's Fixed value.
const (
	FixedCalculatedAt = "$calculated_at"
	FixedVariant      = "$variant"
	FixedPair         = "$pair"
)

// FieldLogicDefinition is the computation rule for one field.
//
// Hierarchy is ordered best first, worst last: ["No", "Unknown", "Yes"]
// makes "Yes" the worst case.
type FieldLogicDefinition struct {
	FieldID       string        `json:"field_id" yaml:"field"`
	Operator      OperatorKind  `json:"operator" yaml:"operator"`
	Applicability Applicability `json:"applicability" yaml:"applicability"`
	Priority      int           `json:"priority" yaml:"priority"`
	Source        string        `json:"source,omitempty" yaml:"source,omitempty"`
	Hierarchy     []string      `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty"`
	Fixed         string        `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	External      bool          `json:"external,omitempty" yaml:"external,omitempty"`
	ExternalKey   string        `json:"external_key,omitempty" yaml:"external_key,omitempty"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// ExternalName returns the identifier used by the external system.
func (d FieldLogicDefinition) ExternalName() string {
	if d.ExternalKey != "" {
		return d.ExternalKey
	}
	return d.FieldID
}

// FieldRef returns the referenced field id when Source is a "field.<id>" path.
func (d FieldLogicDefinition) FieldRef() (string, bool) {
	p, err := ParseSourcePath(d.Source)
	if err != nil || p.Scope != ScopeField {
		return "", false
	}
	return p.Name, true
}

// SourceScope is the root of a source path.
type SourceScope string

const (
	ScopeMaterial SourceScope = "material"
	ScopeSupplier SourceScope = "supplier"
	ScopeApproval SourceScope = "approval"
	ScopeExternal SourceScope = "external"
	ScopeField    SourceScope = "field"
)

// SourcePath is a parsed attribute path such as "supplier.origin".
type SourcePath struct {
	Scope SourceScope
	Name  string
}

func (p SourcePath) String() string {
	return string(p.Scope) + "." + p.Name
}

// ParseSourcePath parses "<scope>.<name>". Approval paths must have the form
// "approval.<section>.status".
func ParseSourcePath(s string) (SourcePath, error) {
	scope, name, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || name == "" {
		return SourcePath{}, fmt.Errorf("invalid source path %q: expected <scope>.<name>", s)
	}
	p := SourcePath{Scope: SourceScope(scope), Name: name}
	switch p.Scope {
	case ScopeMaterial, ScopeSupplier, ScopeExternal, ScopeField:
		return p, nil
	case ScopeApproval:
		section, attr, ok := strings.Cut(name, ".")
		if !ok || attr != "status" || (Section(section) != SectionRegulatory && Section(section) != SectionTechnical) {
			return SourcePath{}, fmt.Errorf("invalid approval path %q: expected approval.<regulatory|technical>.status", s)
		}
		return p, nil
	default:
		return SourcePath{}, fmt.Errorf("invalid source path %q: unknown scope %q", s, scope)
	}
}
