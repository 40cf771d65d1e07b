package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/registry"
)

var (
	now   = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	pairA = model.PairKey{MaterialID: "M-1", SupplierCode: "S-A"}
	pairB = model.PairKey{MaterialID: "M-1", SupplierCode: "S-B"}
	pairC = model.PairKey{MaterialID: "M-1", SupplierCode: "S-C"}
)

var hazardHierarchy = []string{"No", "Unknown", "Yes"}

func def(id string, op model.OperatorKind, priority int, source string) model.FieldLogicDefinition {
	return model.FieldLogicDefinition{
		FieldID:       id,
		Operator:      op,
		Applicability: model.ApplyBoth,
		Priority:      priority,
		Source:        source,
	}
}

func worst(id string, priority int, source string) model.FieldLogicDefinition {
	d := def(id, model.OpWorstCase, priority, source)
	d.Hierarchy = hazardHierarchy
	return d
}

func mustSnapshot(t *testing.T, defs ...model.FieldLogicDefinition) *registry.Snapshot {
	t.Helper()
	r, err := registry.New(defs...)
	require.NoError(t, err)
	return r.Snapshot()
}

func suppliers(attr string, values ...model.Value) []model.SupplierSource {
	pairs := []model.PairKey{pairA, pairB, pairC}
	out := make([]model.SupplierSource, len(values))
	for i, v := range values {
		out[i] = model.SupplierSource{Pair: pairs[i], Attributes: model.Attributes{attr: v}}
	}
	return out
}

func TestWorstCase(t *testing.T) {
	snap := mustSnapshot(t, worst("hazard", 1, "supplier.hazard"))

	tests := []struct {
		name   string
		values []model.Value
		want   model.Value
	}{
		{"no and unknown", []model.Value{model.String("No"), model.String("Unknown")}, model.String("Unknown")},
		{"no and yes", []model.Value{model.String("No"), model.String("Yes")}, model.String("Yes")},
		{"case insensitive", []model.Value{model.String("no"), model.String("UNKNOWN")}, model.String("Unknown")},
		{"list value", []model.Value{model.List{model.String("No"), model.String("Unknown")}, model.String("No")}, model.String("Unknown")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
				Suppliers: suppliers("hazard", tt.values...),
				Now:       now,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Fields["hazard"])
			assert.Empty(t, res.Warnings)
		})
	}
}

func TestWorstCaseUnrecognizedValueRanksWorst(t *testing.T) {
	snap := mustSnapshot(t, worst("hazard", 1, "supplier.hazard"))

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Suppliers: suppliers("hazard", model.String("No"), model.String("Maybe")),
		Now:       now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.String("Yes"), res.Fields["hazard"])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnInvalidHierarchyValue, res.Warnings[0].Kind)
	assert.Equal(t, "hazard", res.Warnings[0].FieldID)
}

func TestWorstCaseMissingSupplierValueRanksWorst(t *testing.T) {
	snap := mustSnapshot(t, worst("hazard", 1, "supplier.hazard"))

	tests := []struct {
		name   string
		values []model.Value
	}{
		{"null", []model.Value{model.String("No"), model.Null{}}},
		{"blank", []model.Value{model.String(" "), model.String("No")}},
		{"empty list", []model.Value{model.String("No"), model.List{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
				Suppliers: suppliers("hazard", tt.values...),
				Now:       now,
			})
			require.NoError(t, err)
			assert.Equal(t, model.String("Yes"), res.Fields["hazard"])
			require.Len(t, res.Warnings, 1)
			assert.Equal(t, model.WarnInvalidHierarchyValue, res.Warnings[0].Kind)
			assert.Equal(t, "hazard", res.Warnings[0].FieldID)
		})
	}

	// A supplier without the attribute at all counts the same.
	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Suppliers: []model.SupplierSource{
			{Pair: pairA, Attributes: model.Attributes{"hazard": model.String("No")}},
			{Pair: pairB, Attributes: model.Attributes{"origin": model.String("Spain")}},
		},
		Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.String("Yes"), res.Fields["hazard"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, pairB.String())
}

func TestWorstCaseWithoutSuppliersIsNull(t *testing.T) {
	snap := mustSnapshot(t, worst("hazard", 1, "supplier.hazard"))

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{Now: now})
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, res.Fields["hazard"])
	assert.Empty(t, res.Warnings)
}

func TestConcatenate(t *testing.T) {
	snap := mustSnapshot(t, def("origin", model.OpConcatenate, 1, "supplier.origin"))

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Suppliers: suppliers("origin", model.String("France"), model.String("france"), model.String("Spain")),
		Now:       now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Strings("France", "Spain"), res.Fields["origin"])
}

func TestConcatenateFlattensListsAndSkipsEmpty(t *testing.T) {
	snap := mustSnapshot(t, def("origin", model.OpConcatenate, 1, "supplier.origin"))

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Suppliers: suppliers("origin",
			model.Strings("Spain", "Italy"),
			model.String(""),
			model.String("italy"),
		),
		Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Strings("Italy", "Spain"), res.Fields["origin"])

	res, err = Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Suppliers: suppliers("origin", model.Null{}, model.String("")),
		Now:       now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, res.Fields["origin"])
}

func TestCopySources(t *testing.T) {
	snap := mustSnapshot(t,
		def("name", model.OpCopy, 1, "material.name"),
		def("grade", model.OpCopy, 2, "supplier.grade"),
		def("reg_status", model.OpCopy, 3, "approval.regulatory.status"),
		def("cas", model.OpCopy, 4, "external.cas"),
		def("name_again", model.OpCopy, 5, "field.name"),
	)

	res, err := Evaluate(snap, pairA, model.VariantHomologated, Sources{
		Material: model.Attributes{"name": model.String("Ethanol")},
		Suppliers: []model.SupplierSource{
			{Pair: pairB, Attributes: model.Attributes{"grade": model.String("B")}},
			{Pair: pairA, Attributes: model.Attributes{"grade": model.String("A")}},
		},
		Approvals: []model.ApprovalRecord{
			{ID: "1", Pair: pairA, Section: model.SectionRegulatory, Status: model.StatusAPR, RecordedAt: now.Add(-time.Hour)},
			{ID: "2", Pair: pairB, Section: model.SectionRegulatory, Status: model.StatusREJ, RecordedAt: now},
		},
		External: &model.ExternalSnapshot{Pair: pairA, Revision: "r1", Fields: model.FieldSet{"cas": model.String("64-17-5")}},
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.FieldSet{
		"name":       model.String("Ethanol"),
		"grade":      model.String("A"),
		"reg_status": model.String("APR"),
		"cas":        model.String("64-17-5"),
		"name_again": model.String("Ethanol"),
	}, res.Fields)
	assert.Empty(t, res.Warnings)
}

func TestCopyMissingSourceYieldsNullAndWarning(t *testing.T) {
	snap := mustSnapshot(t,
		def("name", model.OpCopy, 1, "material.name"),
		def("cas", model.OpCopy, 2, "external.cas"),
	)

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{Now: now})
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, res.Fields["name"])
	assert.Equal(t, model.Null{}, res.Fields["cas"])
	require.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		assert.Equal(t, model.WarnSourceMissing, w.Kind)
	}
}

func TestForwardFieldReferenceIsMissing(t *testing.T) {
	snap := mustSnapshot(t,
		def("early", model.OpCopy, 1, "field.late"),
		def("late", model.OpCopy, 2, "material.x"),
	)
	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{
		Material: model.Attributes{"x": model.Int(7)},
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, res.Fields["early"])
	assert.Equal(t, model.Int(7), res.Fields["late"])
}

func TestManualPreservedAcrossRecalculations(t *testing.T) {
	snap := mustSnapshot(t,
		def("notes", model.OpManual, 1, ""),
		def("name", model.OpCopy, 2, "material.name"),
	)
	src := Sources{Material: model.Attributes{"name": model.String("Ethanol")}, Now: now}

	first, err := Evaluate(snap, pairA, model.VariantProvisional, src)
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, first.Fields["notes"])

	rec := &model.DerivedRecord{Pair: pairA, Variant: model.VariantProvisional, Fields: first.Fields}
	edited, err := ApplyManualEdit(snap, rec, "notes", model.String("checked by QA"))
	require.NoError(t, err)
	assert.Equal(t, model.Null{}, rec.Fields["notes"], "edit must not mutate the input record")

	prior := edited
	for i := 0; i < 3; i++ {
		src.Prior = prior
		res, err := Evaluate(snap, pairA, model.VariantProvisional, src)
		require.NoError(t, err)
		assert.Equal(t, model.String("checked by QA"), res.Fields["notes"])
		prior = &model.DerivedRecord{Pair: pairA, Variant: model.VariantProvisional, Fields: res.Fields}
	}
}

func TestIdempotent(t *testing.T) {
	snap := mustSnapshot(t,
		def("name", model.OpCopy, 1, "material.name"),
		def("origin", model.OpConcatenate, 2, "supplier.origin"),
		worst("hazard", 3, "supplier.hazard"),
	)
	src := Sources{
		Material: model.Attributes{"name": model.String("Ethanol")},
		Suppliers: []model.SupplierSource{
			{Pair: pairB, Attributes: model.Attributes{"origin": model.String("Spain"), "hazard": model.String("No")}},
			{Pair: pairA, Attributes: model.Attributes{"origin": model.String("France"), "hazard": model.String("Unknown")}},
		},
		Now: now,
	}
	first, err := Evaluate(snap, pairA, model.VariantProvisional, src)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Evaluate(snap, pairA, model.VariantProvisional, src)
		require.NoError(t, err)
		assert.True(t, first.Fields.Equal(again.Fields))
		fp1, err := model.Fingerprint(first.Fields)
		require.NoError(t, err)
		fp2, err := model.Fingerprint(again.Fields)
		require.NoError(t, err)
		assert.Equal(t, fp1, fp2)
	}
}

func TestBlockedTokens(t *testing.T) {
	stamp := def("stamp", model.OpBlocked, 1, "")
	stamp.Fixed = model.FixedCalculatedAt
	variant := def("kind", model.OpBlocked, 2, "")
	variant.Fixed = model.FixedVariant
	pk := def("key", model.OpBlocked, 3, "")
	pk.Fixed = model.FixedPair
	literal := def("system", model.OpBlocked, 4, "")
	literal.Fixed = "BLUELINE"

	snap := mustSnapshot(t, stamp, variant, pk, literal)
	res, err := Evaluate(snap, pairA, model.VariantHomologated, Sources{Now: now})
	require.NoError(t, err)
	assert.Equal(t, model.String("2026-03-10T08:30:00Z"), res.Fields["stamp"])
	assert.Equal(t, model.String("homologated"), res.Fields["kind"])
	assert.Equal(t, model.String("M-1/S-A"), res.Fields["key"])
	assert.Equal(t, model.String("BLUELINE"), res.Fields["system"])
}

func TestVariantSelectsDefinitions(t *testing.T) {
	prov := def("weight", model.OpCopy, 1, "supplier.weight")
	prov.Applicability = model.ApplyProvisional
	homol := def("weight", model.OpCopy, 1, "external.weight")
	homol.Applicability = model.ApplyHomologated
	snap := mustSnapshot(t, prov, homol)

	src := Sources{
		Suppliers: []model.SupplierSource{{Pair: pairA, Attributes: model.Attributes{"weight": model.Int(10)}}},
		External:  &model.ExternalSnapshot{Fields: model.FieldSet{"weight": model.Int(12)}},
		Now:       now,
	}
	res, err := Evaluate(snap, pairA, model.VariantProvisional, src)
	require.NoError(t, err)
	assert.Equal(t, model.Int(10), res.Fields["weight"])

	res, err = Evaluate(snap, pairA, model.VariantHomologated, src)
	require.NoError(t, err)
	assert.Equal(t, model.Int(12), res.Fields["weight"])
}

func TestFatalConfigurationErrorAbortsRun(t *testing.T) {
	broken := def("hazard", model.OpWorstCase, 2, "supplier.hazard")
	snap := registry.NewSnapshot(1, []model.FieldLogicDefinition{
		def("name", model.OpCopy, 1, "material.name"),
		broken,
	})

	res, err := Evaluate(snap, pairA, model.VariantProvisional, Sources{Now: now})
	assert.Nil(t, res)
	var ce *registry.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, registry.CodeMissingHierarchy, ce.Code)
	assert.Equal(t, model.VariantProvisional, ce.Variant)

	unknown := def("x", "average", 1, "supplier.x")
	_, err = Evaluate(registry.NewSnapshot(1, []model.FieldLogicDefinition{unknown}), pairA, model.VariantProvisional, Sources{Now: now})
	assert.True(t, registry.IsConfigurationError(err))
}

func TestEngineCalculateUsesCurrentSnapshot(t *testing.T) {
	reg, err := registry.New(def("name", model.OpCopy, 1, "material.name"))
	require.NoError(t, err)
	e := New(reg)
	src := Sources{Material: model.Attributes{"name": model.String("Ethanol")}, Now: now}

	res, err := e.Calculate(context.Background(), pairA, model.VariantProvisional, src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RegistryVersion)
	assert.Len(t, res.Fields, 1)

	require.NoError(t, reg.Create(def("grade", model.OpCopy, 2, "supplier.grade")))
	res, err = e.Calculate(context.Background(), pairA, model.VariantProvisional, src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RegistryVersion)
	assert.Len(t, res.Fields, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Calculate(ctx, pairA, model.VariantProvisional, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApplyManualEditRejections(t *testing.T) {
	stamp := def("stamp", model.OpBlocked, 1, "")
	stamp.Fixed = model.FixedCalculatedAt
	snap := mustSnapshot(t, stamp, def("name", model.OpCopy, 2, "material.name"))
	rec := &model.DerivedRecord{Pair: pairA, Variant: model.VariantProvisional, Fields: model.FieldSet{}}

	_, err := ApplyManualEdit(snap, rec, "stamp", model.String("x"))
	assert.True(t, IsBlockedField(err))

	_, err = ApplyManualEdit(snap, rec, "name", model.String("x"))
	var ee *EditError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeNotManual, ee.Code)

	_, err = ApplyManualEdit(snap, rec, "ghost", model.String("x"))
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeUnknownField, ee.Code)

	emptiedAt := now
	rec.EmptiedAt = &emptiedAt
	_, err = ApplyManualEdit(snap, rec, "name", model.String("x"))
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeEmptiedRecord, ee.Code)
}
