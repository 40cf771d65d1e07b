package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/bluelines/internal/composition"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
	"github.com/roach88/bluelines/internal/store"
	"github.com/roach88/bluelines/internal/testutil"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// testDefinitions is a small field logic set exercising every operator.
func testDefinitions() []model.FieldLogicDefinition {
	return []model.FieldLogicDefinition{
		{FieldID: "name", Operator: model.OpCopy, Applicability: model.ApplyBoth, Priority: 1, Source: "material.name", External: true, ExternalKey: "NAME"},
		{FieldID: "origin", Operator: model.OpConcatenate, Applicability: model.ApplyBoth, Priority: 2, Source: "supplier.origin", External: true},
		{FieldID: "allergen", Operator: model.OpWorstCase, Applicability: model.ApplyProvisional, Priority: 3, Source: "supplier.allergen", Hierarchy: []string{"No", "Unknown", "Yes"}, External: true},
		{FieldID: "cas", Operator: model.OpCopy, Applicability: model.ApplyHomologated, Priority: 4, Source: "external.CAS", External: true, ExternalKey: "CAS"},
		{FieldID: "notes", Operator: model.OpManual, Applicability: model.ApplyBoth, Priority: 5},
		{FieldID: "stamp", Operator: model.OpBlocked, Applicability: model.ApplyBoth, Priority: 6, Fixed: model.FixedCalculatedAt},
	}
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	reg   *registry.Registry
	mem   *composition.Memory
	clock *testutil.FakeClock
	h     *Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWith(t, nil, opts...)
}

func newFixtureWith(t *testing.T, coordOpts []reconcile.Option, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := registry.New(testDefinitions()...)
	require.NoError(t, err)

	clock := testutil.NewFakeClock(testNow)
	mem := composition.NewMemory()
	coord := reconcile.New(mem, append([]reconcile.Option{reconcile.WithClock(clock.Now)}, coordOpts...)...)

	base := []Option{WithClock(clock), WithIDs(testutil.NewSequentialIDs("audit"))}
	h := New(st, engine.New(reg), coord, append(base, opts...)...)

	return &fixture{t: t, ctx: context.Background(), store: st, reg: reg, mem: mem, clock: clock, h: h}
}

// supplier stores supplier attributes for pair.
func (f *fixture) supplier(pair model.PairKey, origin, allergen string) {
	f.t.Helper()
	require.NoError(f.t, f.store.UpsertMaterial(f.ctx, pair.MaterialID, model.Attributes{"name": model.String("Ethanol")}))
	require.NoError(f.t, f.store.UpsertSupplier(f.ctx, pair, model.Attributes{
		"origin":   model.String(origin),
		"allergen": model.String(allergen),
	}))
}

// approve records a regulatory status for pair at the current clock time.
func (f *fixture) approve(pair model.PairKey, status model.ApprovalStatus) {
	f.t.Helper()
	f.approveSection(pair, model.SectionRegulatory, status)
}

func (f *fixture) approveSection(pair model.PairKey, section model.Section, status model.ApprovalStatus) {
	f.t.Helper()
	now := f.clock.Now()
	require.NoError(f.t, f.store.RecordApproval(f.ctx, model.ApprovalRecord{
		ID:         fmt.Sprintf("ap-%s-%s-%s-%d", pair, section, status, now.UnixNano()),
		Pair:       pair,
		Section:    section,
		Status:     status,
		RecordedAt: now,
	}))
}

// purchase records a purchase yearsAgo years before the clock.
func (f *fixture) purchase(pair model.PairKey, yearsAgo int) {
	f.t.Helper()
	at := f.clock.Now().AddDate(-yearsAgo, 0, 0)
	require.NoError(f.t, f.store.RecordPurchase(f.ctx, model.PurchaseEvent{
		ID:   fmt.Sprintf("po-%s-%d", pair, at.UnixNano()),
		Pair: pair,
		At:   at,
	}))
}

// homologate records an approved laboratory composition for pair.
func (f *fixture) homologate(pair model.PairKey) {
	f.t.Helper()
	require.NoError(f.t, f.store.RecordComposition(f.ctx, model.CompositionRecord{
		ID:         "comp-" + pair.String(),
		Pair:       pair,
		Origin:     model.OriginLaboratory,
		Approved:   true,
		RecordedAt: f.clock.Now(),
	}))
}

// eligible seeds a pair that passes every eligibility condition.
func (f *fixture) eligible(pair model.PairKey, origin, allergen string) {
	f.t.Helper()
	f.supplier(pair, origin, allergen)
	f.approve(pair, model.StatusAPC)
	f.purchase(pair, 2)
}

func (f *fixture) record(pair model.PairKey) *model.DerivedRecord {
	f.t.Helper()
	rec, err := f.store.FindRecord(f.ctx, pair)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) audit(pair model.PairKey) []model.AuditAction {
	f.t.Helper()
	log, err := f.store.AuditLog(f.ctx, pair)
	require.NoError(f.t, err)
	actions := make([]model.AuditAction, len(log))
	for i, e := range log {
		actions[i] = e.Action
	}
	return actions
}

func (f *fixture) recalc(pair model.PairKey) *Outcome {
	f.t.Helper()
	out, err := f.h.Recalculate(f.ctx, pair)
	require.NoError(f.t, err)
	return out
}
