package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
)

var (
	pairA = model.PairKey{MaterialID: "M-1", SupplierCode: "S-1"}
	pairB = model.PairKey{MaterialID: "M-1", SupplierCode: "S-2"}
	pairC = model.PairKey{MaterialID: "M-1", SupplierCode: "S-3"}
	pairX = model.PairKey{MaterialID: "M-9", SupplierCode: "S-1"}
)

func TestRecalculate_CreatesProvisionalAndPushes(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")

	out := f.recalc(pairA)
	assert.Equal(t, ActionCreated, out.Action)
	assert.True(t, out.Eligible)
	assert.Equal(t, model.VariantProvisional, out.Variant)
	assert.Equal(t, model.SyncSynced, out.SyncState)
	assert.NoError(t, out.Err)

	rec := f.record(pairA)
	require.NotNil(t, rec)
	assert.Equal(t, model.String("Ethanol"), rec.Fields["name"])
	assert.Equal(t, model.Strings("France"), rec.Fields["origin"])
	assert.Equal(t, model.String("No"), rec.Fields["allergen"])
	assert.Equal(t, model.Null{}, rec.Fields["notes"])
	assert.Equal(t, model.String("2026-06-01T12:00:00Z"), rec.Fields["stamp"])
	assert.Equal(t, "rev-1", rec.ExternalRevision)
	assert.NotEmpty(t, rec.Fingerprint)

	require.Len(t, f.mem.Pushes(), 1)
	assert.Empty(t, f.mem.Pulls(), "provisional records never pull")
	assert.Equal(t, []model.AuditAction{model.AuditCreated}, f.audit(pairA))
}

func TestRecalculate_IneligibleWithoutRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	f.supplier(pairA, "France", "No")
	f.approve(pairA, model.StatusAPC)
	f.purchase(pairA, 4)

	out := f.recalc(pairA)
	assert.Equal(t, ActionNone, out.Action)
	assert.False(t, out.Eligible)
	assert.Contains(t, out.Reasons[0], eligibility.ReasonNoRecentPurchase)
	assert.Nil(t, f.record(pairA))
	assert.Empty(t, f.mem.Pushes())
	assert.Empty(t, f.audit(pairA))
}

func TestRecalculate_IdempotentWithoutSourceChanges(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "Unknown")

	f.recalc(pairA)
	first := f.record(pairA)

	out := f.recalc(pairA)
	assert.Equal(t, ActionRecomputed, out.Action)
	second := f.record(pairA)

	assert.True(t, first.Fields.Equal(second.Fields))
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, model.SyncSynced, second.SyncState)
	assert.Len(t, f.mem.Pushes(), 1, "unchanged external subset is not pushed again")
}

func TestRecalculate_ManualFieldSurvives(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.recalc(pairA)

	out, err := f.h.EditManual(f.ctx, pairA, "notes", model.String("checked by QA"))
	require.NoError(t, err)
	assert.Equal(t, ActionEdited, out.Action)

	for i := 0; i < 3; i++ {
		f.clock.AdvanceDate(0, 0, 7)
		f.recalc(pairA)
		assert.Equal(t, model.String("checked by QA"), f.record(pairA).Fields["notes"])
	}
	assert.Equal(t, model.String("2026-06-22T12:00:00Z"), f.record(pairA).Fields["stamp"])

	_, err = f.h.EditManual(f.ctx, pairA, "name", model.String("Water"))
	assert.True(t, engine.IsEditError(err))
	_, err = f.h.EditManual(f.ctx, pairA, "stamp", model.String("forged"))
	assert.True(t, engine.IsBlockedField(err))
	_, err = f.h.EditManual(f.ctx, pairB, "notes", model.String("x"))
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestRecalculate_CrossSupplierFields(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.eligible(pairB, "france", "Yes")
	f.eligible(pairC, "Spain", "Unknown")

	rec := f.recalc(pairA).Record
	assert.Equal(t, model.Strings("France", "Spain"), rec.Fields["origin"])
	assert.Equal(t, model.String("Yes"), rec.Fields["allergen"])
}

func TestRecalculate_IneligibleSupplierDoesNotContribute(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.eligible(pairB, "Spain", "Unknown")
	f.supplier(pairC, "Chile", "Yes") // no approval, no purchase

	rec := f.recalc(pairA).Record
	assert.Equal(t, model.Strings("France", "Spain"), rec.Fields["origin"])
	assert.Equal(t, model.String("Unknown"), rec.Fields["allergen"])
}

func TestRecalculate_HardDeleteWhenSiblingEligible(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.eligible(pairB, "Spain", "No")
	f.recalc(pairA)
	f.recalc(pairB)

	f.clock.Advance(time.Hour)
	f.approve(pairA, model.StatusREJ)

	outcomes, err := f.h.HandleEvent(f.ctx, ApprovalChanged(pairA))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, ActionDeleted, outcomes[0].Action)
	assert.Equal(t, pairB, outcomes[1].Pair)
	assert.Equal(t, ActionRecomputed, outcomes[1].Action)

	assert.Nil(t, f.record(pairA))
	assert.Equal(t, []model.AuditAction{model.AuditCreated, model.AuditDeleted}, f.audit(pairA))

	// The sibling no longer aggregates the removed supplier.
	assert.Equal(t, model.Strings("Spain"), f.record(pairB).Fields["origin"])
}

func TestRecalculate_SingleSupplierIsEmptied(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.recalc(pairA)

	f.clock.Advance(time.Hour)
	f.approve(pairA, model.StatusREJ)

	out := f.recalc(pairA)
	assert.Equal(t, ActionEmptied, out.Action)
	assert.False(t, out.Eligible)

	rec := f.record(pairA)
	require.NotNil(t, rec, "emptied records are kept")
	assert.True(t, rec.Emptied())
	assert.Empty(t, rec.Fields)
	assert.Equal(t, model.SyncNotRequired, rec.SyncState)
	assert.Equal(t, testNow.Add(time.Hour), *rec.EmptiedAt)
	assert.Equal(t, []model.AuditAction{model.AuditCreated, model.AuditEmptied}, f.audit(pairA))

	// Further triggers leave the emptied record alone.
	assert.Equal(t, ActionNone, f.recalc(pairA).Action)
	assert.Len(t, f.audit(pairA), 2)

	// Re-approval brings it back as a fresh record.
	f.clock.Advance(time.Hour)
	f.approve(pairA, model.StatusAPC)
	out = f.recalc(pairA)
	assert.Equal(t, ActionCreated, out.Action)
	assert.False(t, f.record(pairA).Emptied())
}

func TestRecalculate_SingleSupplierNotTerminalIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.recalc(pairA)

	// The purchase ages out while the approval is still active.
	f.clock.AdvanceDate(2, 0, 0)
	out := f.recalc(pairA)
	assert.Equal(t, ActionDeleted, out.Action)
	assert.Nil(t, f.record(pairA))
}

func TestRecalculate_HomologatedPulls(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.homologate(pairA)
	f.mem.Seed(model.ExternalSnapshot{
		Pair:     pairA,
		Revision: "ext-7",
		Fields:   model.FieldSet{"NAME": model.String("Ethanol absolute"), "CAS": model.String("64-17-5")},
	})

	out := f.recalc(pairA)
	assert.Equal(t, model.VariantHomologated, out.Variant)
	assert.Equal(t, model.SyncSynced, out.SyncState)

	rec := f.record(pairA)
	assert.Equal(t, model.String("Ethanol absolute"), rec.Fields["name"])
	assert.Equal(t, model.String("64-17-5"), rec.Fields["cas"])
	assert.Equal(t, model.Null{}, rec.Fields["origin"], "external subset replaced, absent keys become null")
	_, hasAllergen := rec.Fields["allergen"]
	assert.False(t, hasAllergen, "provisional-only field")
	assert.Equal(t, "ext-7", rec.ExternalRevision)

	assert.Empty(t, f.mem.Pushes(), "homologated records never push")
	assert.Len(t, f.mem.Pulls(), 1)

	snap, err := f.store.FindExternalSnapshot(f.ctx, pairA)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "ext-7", snap.Revision)
}

func TestRecalculate_FailedPullKeepsPulledValues(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.homologate(pairA)
	f.mem.Seed(model.ExternalSnapshot{
		Pair:     pairA,
		Revision: "ext-7",
		Fields:   model.FieldSet{"NAME": model.String("Ethanol USP"), "CAS": model.String("64-17-5")},
	})

	first := f.recalc(pairA)
	require.Equal(t, model.SyncSynced, first.SyncState)
	assert.Empty(t, first.Warnings, "pulled fields carry no engine warnings")
	assert.Equal(t, model.String("Ethanol USP"), f.record(pairA).Fields["name"])

	f.mem.FailNext(errors.New("connection reset"))
	f.clock.Advance(time.Hour)
	out := f.recalc(pairA)
	assert.Equal(t, ActionRecomputed, out.Action)
	assert.Equal(t, model.SyncFailed, out.SyncState)
	assert.Contains(t, out.Error, "transport")

	rec := f.record(pairA)
	assert.Equal(t, model.SyncFailed, rec.SyncState)
	assert.Equal(t, model.String("Ethanol USP"), rec.Fields["name"])
	assert.Equal(t, model.String("64-17-5"), rec.Fields["cas"])
	assert.Equal(t, model.Null{}, rec.Fields["origin"])
	assert.Equal(t, "ext-7", rec.ExternalRevision)
	assert.Len(t, f.mem.Pulls(), 2)
}

func TestRecalculate_HomologatedWithoutSyncUsesStoredSnapshot(t *testing.T) {
	f := newFixture(t, WithAutoSync(false))
	f.eligible(pairA, "France", "No")
	f.homologate(pairA)
	require.NoError(t, f.store.SaveExternalSnapshot(f.ctx, &model.ExternalSnapshot{
		Pair:      pairA,
		Revision:  "ext-3",
		Fields:    model.FieldSet{"NAME": model.String("Ethanol USP"), "CAS": model.String("64-17-5")},
		FetchedAt: testNow,
	}))

	out := f.recalc(pairA)
	assert.Equal(t, model.SyncPending, out.SyncState)
	assert.Empty(t, out.Warnings)

	rec := f.record(pairA)
	assert.Equal(t, model.String("Ethanol USP"), rec.Fields["name"], "external data wins over material attributes")
	assert.Equal(t, model.String("64-17-5"), rec.Fields["cas"])
	assert.Empty(t, f.mem.Pulls())
}

func TestRecalculate_VariantSwitchChangesDirection(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.recalc(pairA)
	require.Len(t, f.mem.Pushes(), 1)

	f.homologate(pairA)
	// The pushed record is now the external record; pull reads it back.
	out := f.recalc(pairA)
	assert.Equal(t, model.VariantHomologated, out.Variant)
	assert.Equal(t, ActionRecomputed, out.Action)
	assert.Len(t, f.mem.Pushes(), 1)
	assert.Len(t, f.mem.Pulls(), 1)
	assert.Equal(t, model.String("Ethanol"), f.record(pairA).Fields["name"])
}

func TestRecalculate_FatalErrorKeepsPriorRecord(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.recalc(pairA)
	prior := f.record(pairA)

	broken := testDefinitions()
	broken[2].Hierarchy = nil
	f.reg.Restore(registry.NewSnapshot(99, broken))

	f.clock.Advance(time.Hour)
	out, err := f.h.Recalculate(f.ctx, pairA)
	require.Error(t, err)
	assert.True(t, registry.IsConfigurationError(err))
	require.NotNil(t, out)
	assert.Equal(t, ActionAborted, out.Action)

	after := f.record(pairA)
	assert.Equal(t, prior.Fingerprint, after.Fingerprint)
	assert.True(t, prior.Fields.Equal(after.Fields))
	assert.Equal(t, prior.CalculatedAt, after.CalculatedAt)
	assert.Len(t, f.audit(pairA), 1, "nothing committed")
	assert.Len(t, f.mem.Pushes(), 1)
}

func TestRecalculate_PushTimeoutCommitsFailed(t *testing.T) {
	f := newFixtureWith(t, []reconcile.Option{reconcile.WithTimeout(20 * time.Millisecond)})
	f.eligible(pairA, "France", "No")
	f.mem.SetDelay(time.Second)

	out := f.recalc(pairA)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, model.SyncFailed, out.SyncState)
	assert.True(t, reconcile.IsTimeout(out.Err))

	rec := f.record(pairA)
	assert.Equal(t, model.SyncFailed, rec.SyncState)
	assert.Contains(t, rec.LastError, "timeout")
	assert.Empty(t, rec.ExternalRevision)
	assert.Equal(t, model.Strings("France"), rec.Fields["origin"])
}

func TestRecalculate_AutoSyncDisabled(t *testing.T) {
	f := newFixture(t, WithAutoSync(false))
	f.eligible(pairA, "France", "No")

	out := f.recalc(pairA)
	assert.Equal(t, model.SyncPending, out.SyncState)
	assert.Empty(t, f.mem.Pushes())

	synced, err := f.h.SyncPair(f.ctx, pairA, "")
	require.NoError(t, err)
	assert.Equal(t, ActionSynced, synced.Action)
	assert.Equal(t, model.SyncSynced, f.record(pairA).SyncState)
	assert.Len(t, f.mem.Pushes(), 1)

	_, err = f.h.SyncPair(f.ctx, pairA, reconcile.DirectionPull)
	assert.True(t, reconcile.IsWrongDirection(err))
	assert.Empty(t, f.mem.Pulls())
}

// A record exists (and is not emptied) after a run iff the pair is eligible.
func TestRecordExistsIffEligible(t *testing.T) {
	steps := []struct {
		name  string
		apply func(f *fixture)
	}{
		{"supplier only", func(f *fixture) { f.supplier(pairA, "France", "No") }},
		{"approved", func(f *fixture) { f.approve(pairA, model.StatusAPC) }},
		{"recent purchase", func(f *fixture) { f.purchase(pairA, 1) }},
		{"technical rejected", func(f *fixture) { f.approveSection(pairA, model.SectionTechnical, model.StatusREJ) }},
		{"technical re-run", func(f *fixture) { f.approveSection(pairA, model.SectionTechnical, model.StatusRUN) }},
		{"time passes", func(f *fixture) { f.clock.AdvanceDate(3, 0, 0) }},
		{"new purchase", func(f *fixture) { f.purchase(pairA, 0) }},
		{"regulatory cancelled", func(f *fixture) { f.approve(pairA, model.StatusCAN) }},
	}

	f := newFixture(t)
	ev := eligibility.New(eligibility.DefaultLookback)
	for _, step := range steps {
		f.clock.Advance(time.Minute)
		step.apply(f)
		f.recalc(pairA)

		h, err := f.store.LoadHistory(f.ctx, pairA)
		require.NoError(t, err)
		want := ev.Check(h, f.clock.Now()).Eligible

		rec := f.record(pairA)
		active := rec != nil && !rec.Emptied()
		assert.Equal(t, want, active, step.name)
	}
}

func TestSweep_ContinuesPastFatalPair(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.eligible(pairX, "Spain", "No")
	f.homologate(pairX)

	// Homologated calculations abort; provisional ones are unaffected.
	broken := append(testDefinitions(), model.FieldLogicDefinition{
		FieldID: "grade", Operator: model.OpWorstCase, Applicability: model.ApplyHomologated, Priority: 7, Source: "supplier.grade",
	})
	f.reg.Restore(registry.NewSnapshot(5, broken))

	outcomes, err := f.h.Sweep(f.ctx, []model.PairKey{pairX, pairA})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, pairX, outcomes[0].Pair)
	assert.Equal(t, ActionAborted, outcomes[0].Action)
	assert.True(t, registry.IsConfigurationError(outcomes[0].Err))
	assert.NotEmpty(t, outcomes[0].Error)
	assert.Equal(t, ActionCreated, outcomes[1].Action)

	assert.Nil(t, f.record(pairX))
	assert.NotNil(t, f.record(pairA))
}

func TestHandleEvent_PeriodicSyncDue(t *testing.T) {
	f := newFixture(t, WithAutoSync(false))
	f.eligible(pairA, "France", "No")
	f.eligible(pairX, "Spain", "No")
	f.recalc(pairA)
	f.recalc(pairX)

	outcomes, err := f.h.HandleEvent(f.ctx, PeriodicSyncDue(model.VariantProvisional))
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)

	outcomes, err = f.h.HandleEvent(f.ctx, PeriodicSyncDue(model.VariantHomologated))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestHandleEvent_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.h.HandleEvent(f.ctx, Event{Kind: "bogus"})
	assert.Error(t, err)
	_, err = f.h.HandleEvent(f.ctx, ApprovalChanged(model.PairKey{MaterialID: "M-1"}))
	assert.Error(t, err)
	_, err = f.h.HandleEvent(f.ctx, Event{Kind: EventPeriodicSyncDue, Variant: "draft"})
	assert.Error(t, err)
}

func TestHandleEvent_ExternalSyncCompletedDoesNotCascade(t *testing.T) {
	f := newFixture(t)
	f.eligible(pairA, "France", "No")
	f.eligible(pairB, "Spain", "No")
	f.recalc(pairA)
	f.recalc(pairB)

	outcomes, err := f.h.HandleEvent(f.ctx, ExternalSyncCompleted(pairA))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, pairA, outcomes[0].Pair)
}

func TestNewerTriggerCancelsInFlightSync(t *testing.T) {
	f := newFixtureWith(t, []reconcile.Option{reconcile.WithTimeout(10 * time.Second)})
	f.eligible(pairA, "France", "No")
	f.mem.SetDelay(10 * time.Second)

	type result struct {
		out *Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := f.h.Recalculate(context.Background(), pairA)
		first <- result{out, err}
	}()

	require.Eventually(t, func() bool { return len(f.mem.Pushes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.mem.SetDelay(0)

	second, err := f.h.Recalculate(f.ctx, pairA)
	require.NoError(t, err)

	var r result
	select {
	case r = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded run did not finish")
	}
	require.NoError(t, r.err)
	assert.Equal(t, model.SyncFailed, r.out.SyncState)
	assert.True(t, reconcile.IsCancelled(r.out.Err))

	assert.Equal(t, model.SyncSynced, second.SyncState)
	assert.Equal(t, model.SyncSynced, f.record(pairA).SyncState)
	assert.Equal(t, 0, f.h.locks.size())
}
