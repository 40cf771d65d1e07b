package registry

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bluelines/internal/model"
)

// Issue levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Issue codes that are warnings only.
const (
	CodeForwardReference = "FORWARD_REFERENCE"
	CodeUnknownReference = "UNKNOWN_REFERENCE"
)

// Issue is one finding of Validate.
type Issue struct {
	Level   string        `json:"level"`
	Code    string        `json:"code"`
	FieldID string        `json:"field_id"`
	Variant model.Variant `json:"variant,omitempty"`
	Message string        `json:"message"`
}

func (i Issue) String() string {
	if i.Variant != "" {
		return fmt.Sprintf("[%s] %s %s (%s): %s", i.Level, i.Code, i.FieldID, i.Variant, i.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", i.Level, i.Code, i.FieldID, i.Message)
}

// ValidateDefinition checks one definition in isolation.
func ValidateDefinition(def model.FieldLogicDefinition) error {
	if strings.TrimSpace(def.FieldID) == "" || strings.ContainsAny(def.FieldID, " .") {
		return configErr(CodeInvalidFieldID, def.FieldID, "field id must be non-empty and contain no spaces or dots")
	}
	if !def.Operator.Valid() {
		return configErr(CodeInvalidOperator, def.FieldID, "unknown operator %q", def.Operator)
	}
	if !def.Applicability.Valid() {
		return configErr(CodeInvalidApplicable, def.FieldID, "unknown applicability %q", def.Applicability)
	}
	if def.Operator.NeedsSource() {
		p, err := model.ParseSourcePath(def.Source)
		if err != nil {
			return configErr(CodeInvalidSource, def.FieldID, "%v", err)
		}
		if def.Operator != model.OpCopy && p.Scope != model.ScopeSupplier {
			return configErr(CodeInvalidSource, def.FieldID, "%s aggregates across suppliers and needs a supplier.<attr> source, got %q", def.Operator, def.Source)
		}
	}
	if def.Operator == model.OpWorstCase {
		if len(def.Hierarchy) == 0 {
			return configErr(CodeMissingHierarchy, def.FieldID, "worst_case requires a hierarchy")
		}
		seen := make(map[string]bool, len(def.Hierarchy))
		for _, h := range def.Hierarchy {
			key := model.FoldKey(h)
			if key == "" || seen[key] {
				return configErr(CodeMissingHierarchy, def.FieldID, "hierarchy entries must be non-empty and unique, got %q", h)
			}
			seen[key] = true
		}
	}
	if def.Operator == model.OpBlocked && def.External {
		return configErr(CodeBlockedExternal, def.FieldID, "blocked fields cannot be exchanged with the external system")
	}
	return nil
}

// Validate checks a whole definition set. It returns every finding; the set is
// acceptable iff no issue has LevelError.
func Validate(defs []model.FieldLogicDefinition) []Issue {
	var issues []Issue

	for _, def := range defs {
		if err := ValidateDefinition(def); err != nil {
			issues = append(issues, issueFromError(err))
		}
	}

	// Duplicates: same field id with overlapping applicability.
	byField := make(map[string][]model.FieldLogicDefinition)
	for _, def := range defs {
		byField[def.FieldID] = append(byField[def.FieldID], def)
	}
	ids := make([]string, 0, len(byField))
	for id := range byField {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		group := byField[id]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].Applicability.Overlaps(group[j].Applicability) {
					issues = append(issues, Issue{
						Level:   LevelError,
						Code:    string(CodeDuplicateField),
						FieldID: id,
						Message: fmt.Sprintf("definitions for %s and %s overlap", group[i].Applicability, group[j].Applicability),
					})
				}
			}
		}
	}

	for _, variant := range []model.Variant{model.VariantProvisional, model.VariantHomologated} {
		ordered := orderFor(defs, variant)
		issues = append(issues, referenceIssues(ordered, variant)...)
		for _, cycle := range AnalyzeCycles(ordered) {
			issues = append(issues, Issue{
				Level:   LevelError,
				Code:    string(CodeFieldCycle),
				FieldID: cycle.Path[0],
				Variant: variant,
				Message: cycle.Message,
			})
		}
	}

	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	return firstError(issues) != nil
}

func firstError(issues []Issue) *Issue {
	for i := range issues {
		if issues[i].Level == LevelError {
			return &issues[i]
		}
	}
	return nil
}

// referenceIssues warns about field references that cannot resolve at
// evaluation time: unknown targets and targets evaluated later.
func referenceIssues(ordered []model.FieldLogicDefinition, variant model.Variant) []Issue {
	position := make(map[string]int, len(ordered))
	for i, def := range ordered {
		position[def.FieldID] = i
	}
	var issues []Issue
	for i, def := range ordered {
		ref, ok := def.FieldRef()
		if !ok {
			continue
		}
		pos, known := position[ref]
		switch {
		case !known:
			issues = append(issues, Issue{
				Level:   LevelWarning,
				Code:    CodeUnknownReference,
				FieldID: def.FieldID,
				Variant: variant,
				Message: fmt.Sprintf("references undefined field %q", ref),
			})
		case pos >= i && ref != def.FieldID:
			issues = append(issues, Issue{
				Level:   LevelWarning,
				Code:    CodeForwardReference,
				FieldID: def.FieldID,
				Variant: variant,
				Message: fmt.Sprintf("references %q which is evaluated later (priority %d >= %d)", ref, ordered[pos].Priority, def.Priority),
			})
		}
	}
	return issues
}

func issueFromError(err error) Issue {
	if ce, ok := err.(*ConfigurationError); ok {
		return Issue{Level: LevelError, Code: string(ce.Code), FieldID: ce.FieldID, Variant: ce.Variant, Message: ce.Message}
	}
	return Issue{Level: LevelError, Code: "INVALID", Message: err.Error()}
}

// orderFor returns the definitions applying to variant, sorted by priority
// ascending with field id as tie-breaker.
func orderFor(defs []model.FieldLogicDefinition, variant model.Variant) []model.FieldLogicDefinition {
	out := make([]model.FieldLogicDefinition, 0, len(defs))
	for _, def := range defs {
		if def.Applicability.Covers(variant) {
			out = append(out, def)
		}
	}
	slices.SortStableFunc(out, func(a, b model.FieldLogicDefinition) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.FieldID, b.FieldID)
	})
	return out
}
