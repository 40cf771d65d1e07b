package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/bluelines/internal/model"
)

// CompileError is a CUE authoring error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadCUE loads every field logic definition found under the "field" struct
// of the CUE package in dir:
//
//	field: hazard_class: {
//		operator:      "worst_case"
//		applicability: "both"
//		priority:      10
//		source:        "supplier.hazard_class"
//		hierarchy: ["None", "Low", "High"]
//		external: true
//	}
//
// The label is the field id unless the struct sets "id", which lets one field
// carry separate provisional and homologated definitions.
func LoadCUE(dir string) ([]model.FieldLogicDefinition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load field logic: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load field logic: not a directory: %s", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("load field logic: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("load field logic: no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load field logic: no CUE instances loaded")
	}
	if instances[0].Err != nil {
		return nil, formatCUEError(instances[0].Err)
	}
	v := ctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileFields(v)
}

// CompileFields extracts the definitions of the "field" struct of v.
func CompileFields(v cue.Value) ([]model.FieldLogicDefinition, error) {
	fields := v.LookupPath(cue.ParsePath("field"))
	if !fields.Exists() {
		return nil, &CompileError{Field: "field", Message: "no field definitions found", Pos: v.Pos()}
	}
	iter, err := fields.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var defs []model.FieldLogicDefinition
	for iter.Next() {
		def, err := CompileField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// CompileField converts one CUE struct into a definition. Structural checks
// (operator, hierarchy, sources) are left to ValidateDefinition.
func CompileField(label string, v cue.Value) (model.FieldLogicDefinition, error) {
	if err := v.Err(); err != nil {
		return model.FieldLogicDefinition{}, formatCUEError(err)
	}

	def := model.FieldLogicDefinition{FieldID: label, Applicability: model.ApplyBoth}
	var err error
	if def.FieldID, err = optionalString(v, "id", label); err != nil {
		return def, err
	}

	op, err := optionalString(v, "operator", "")
	if err != nil {
		return def, err
	}
	if op == "" {
		return def, &CompileError{Field: "operator", Message: fmt.Sprintf("field %s: operator is required", label), Pos: v.Pos()}
	}
	def.Operator = model.OperatorKind(op)

	applicability, err := optionalString(v, "applicability", string(model.ApplyBoth))
	if err != nil {
		return def, err
	}
	def.Applicability = model.Applicability(applicability)

	if p := v.LookupPath(cue.ParsePath("priority")); p.Exists() {
		n, err := p.Int64()
		if err != nil {
			return def, formatCUEError(err)
		}
		def.Priority = int(n)
	}

	for _, s := range []struct {
		name string
		dst  *string
	}{
		{"source", &def.Source},
		{"fixed", &def.Fixed},
		{"external_key", &def.ExternalKey},
		{"description", &def.Description},
	} {
		if *s.dst, err = optionalString(v, s.name, ""); err != nil {
			return def, err
		}
	}

	if ext := v.LookupPath(cue.ParsePath("external")); ext.Exists() {
		if def.External, err = ext.Bool(); err != nil {
			return def, formatCUEError(err)
		}
	}

	if h := v.LookupPath(cue.ParsePath("hierarchy")); h.Exists() {
		list, err := h.List()
		if err != nil {
			return def, formatCUEError(err)
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return def, formatCUEError(err)
			}
			def.Hierarchy = append(def.Hierarchy, s)
		}
	}

	return def, nil
}

func optionalString(v cue.Value, name, fallback string) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return fallback, nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
