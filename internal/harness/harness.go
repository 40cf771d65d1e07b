package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/roach88/bluelines/internal/composition"
	"github.com/roach88/bluelines/internal/dataset"
	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
	"github.com/roach88/bluelines/internal/store"
	"github.com/roach88/bluelines/internal/testutil"
	"github.com/roach88/bluelines/internal/trigger"
)

// Harness is the scenario execution environment.
type Harness struct {
	store    *store.Store
	registry *registry.Registry
	handler  *trigger.Handler
	external *composition.Memory
	clock    *testutil.FakeClock
}

// Run executes a scenario in a fresh in-memory database and returns the
// trace, the final state and any expectation or assertion failures.
//
// An error is returned only when the environment cannot be built (bad
// field logic, database failure). Step and assertion failures are reported
// in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult(scenario.Name)

	if scenario.Setup != nil {
		if _, err := h.apply(ctx, scenario.Setup, "setup-"); err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
	}

	for i, step := range scenario.Flow {
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	defs, err := registry.LoadCUE(scenario.Logic)
	if err != nil {
		return nil, fmt.Errorf("failed to load field logic: %w", err)
	}
	reg, err := registry.New(defs...)
	if err != nil {
		return nil, fmt.Errorf("invalid field logic: %w", err)
	}

	lookback := eligibility.DefaultLookback
	if scenario.Lookback != "" {
		if lookback, err = eligibility.ParseLookback(scenario.Lookback); err != nil {
			return nil, err
		}
	}
	start := DefaultStart
	if scenario.Start != nil {
		start = scenario.Start.UTC()
	}
	autoSync := scenario.AutoSync == nil || *scenario.AutoSync

	clock := testutil.NewFakeClock(start)
	mem := composition.NewMemory()
	coord := reconcile.New(mem, reconcile.WithClock(clock.Now))
	handler := trigger.New(st, engine.New(reg), coord,
		trigger.WithClock(clock),
		trigger.WithIDs(testutil.NewSequentialIDs("audit")),
		trigger.WithEvaluator(eligibility.New(lookback)),
		trigger.WithAutoSync(autoSync),
		trigger.WithConcurrency(1),
		trigger.WithLogger(zerolog.Nop()),
	)

	return &Harness{store: st, registry: reg, handler: handler, external: mem, clock: clock}, nil
}

// apply writes source data and seeds external snapshots.
func (h *Harness) apply(ctx context.Context, ds *dataset.Dataset, prefix string) (dataset.Summary, error) {
	now := h.clock.Now()
	sum, err := ds.Apply(ctx, h.store, dataset.Env{Now: now, IDPrefix: prefix})
	if err != nil {
		return sum, err
	}
	snaps, err := ds.Snapshots(now)
	if err != nil {
		return sum, err
	}
	for _, s := range snaps {
		h.external.Seed(s)
	}
	return sum, nil
}

// executeStep runs one flow step, records it in the trace and checks its
// expectations.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	trace := StepTrace{Step: index, Op: step.Op(), At: h.clock.Now()}
	outcomes, err := h.run(ctx, index, step)
	trace.Outcomes = make([]OutcomeTrace, 0, len(outcomes))
	for _, o := range outcomes {
		trace.Outcomes = append(trace.Outcomes, traceOutcome(o))
	}
	if err != nil {
		trace.Error = err.Error()
	}
	result.AddStep(trace)

	prefix := fmt.Sprintf("flow[%d] %s", index, trace.Op)
	switch {
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("%s: expected error containing %q, got none", prefix, step.ExpectError))
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		result.AddError(fmt.Sprintf("%s: expected error containing %q, got %q", prefix, step.ExpectError, err))
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, err))
	}
	for i, exp := range step.Expect {
		if msg := matchExpect(exp, trace.Outcomes); msg != "" {
			result.AddError(fmt.Sprintf("%s expect[%d]: %s", prefix, i, msg))
		}
	}
}

func (h *Harness) run(ctx context.Context, index int, step Step) ([]trigger.Outcome, error) {
	switch step.Op() {
	case OpData:
		_, err := h.apply(ctx, step.Data, fmt.Sprintf("flow%d-", index))
		return nil, err

	case OpEvent:
		ev, err := step.Event.event()
		if err != nil {
			return nil, err
		}
		return h.handler.HandleEvent(ctx, ev)

	case OpRecalc:
		pair, err := model.ParsePairKey(step.Recalc)
		if err != nil {
			return nil, err
		}
		return single(h.handler.Recalculate(ctx, pair))

	case OpSweep:
		pairs, err := h.store.ListPairs(ctx)
		if err != nil {
			return nil, err
		}
		return h.handler.Sweep(ctx, pairs)

	case OpSync:
		pair, err := model.ParsePairKey(step.Sync.Pair)
		if err != nil {
			return nil, err
		}
		return single(h.handler.SyncPair(ctx, pair, reconcile.Direction(step.Sync.Direction)))

	case OpEdit:
		pair, err := model.ParsePairKey(step.Edit.Pair)
		if err != nil {
			return nil, err
		}
		v, err := model.FromGo(step.Edit.Value)
		if err != nil {
			return nil, fmt.Errorf("edit value: %w", err)
		}
		return single(h.handler.EditManual(ctx, pair, step.Edit.Field, v))

	case OpAdvance:
		lb, err := eligibility.ParseLookback(step.Advance)
		if err != nil {
			return nil, err
		}
		h.clock.AdvanceDate(lb.Years, lb.Months, lb.Days)
		return nil, nil

	case OpFailNext:
		errs := make([]error, 0, len(step.FailNext))
		for _, kind := range step.FailNext {
			err, serr := scriptedFailure(kind)
			if serr != nil {
				return nil, serr
			}
			errs = append(errs, err)
		}
		h.external.FailNext(errs...)
		return nil, nil
	}
	return nil, fmt.Errorf("exactly one operation is required")
}

func single(out *trigger.Outcome, err error) ([]trigger.Outcome, error) {
	if out == nil {
		return nil, err
	}
	return []trigger.Outcome{*out}, err
}

// scriptedFailure maps a failure name to the error the composition system
// returns for it.
func scriptedFailure(kind string) (error, error) {
	switch kind {
	case "transport":
		return errors.New("connection reset by peer"), nil
	case "timeout":
		return context.DeadlineExceeded, nil
	case "rejected":
		return fmt.Errorf("%w: schema mismatch", reconcile.ErrRejected), nil
	}
	return nil, fmt.Errorf("unknown failure %q: must be transport, timeout or rejected", kind)
}

// matchExpect finds the outcome of exp.Pair and compares the fields exp
// sets. It returns "" on a match.
func matchExpect(exp Expect, outcomes []OutcomeTrace) string {
	idx := slices.IndexFunc(outcomes, func(o OutcomeTrace) bool { return o.Pair == exp.Pair })
	if idx < 0 {
		return fmt.Sprintf("no outcome for %s", exp.Pair)
	}
	o := outcomes[idx]

	var diffs []string
	check := func(name, want, got string) {
		if want != "" && want != got {
			diffs = append(diffs, fmt.Sprintf("%s: expected %q, got %q", name, want, got))
		}
	}
	check("action", exp.Action, o.Action)
	check("variant", exp.Variant, o.Variant)
	check("sync_state", exp.SyncState, o.SyncState)
	if exp.Eligible != nil && *exp.Eligible != o.Eligible {
		diffs = append(diffs, fmt.Sprintf("eligible: expected %t, got %t", *exp.Eligible, o.Eligible))
	}
	if exp.Error != "" && !strings.Contains(o.Error, exp.Error) {
		diffs = append(diffs, fmt.Sprintf("error: expected to contain %q, got %q", exp.Error, o.Error))
	}
	if exp.Warnings != nil && !slices.Equal(exp.Warnings, o.Warnings) {
		diffs = append(diffs, fmt.Sprintf("warnings: expected %v, got %v", exp.Warnings, o.Warnings))
	}
	return strings.Join(diffs, "; ")
}

// captureState snapshots every record and the whole audit log.
func (h *Harness) captureState(ctx context.Context, result *Result) error {
	pairs, err := h.store.ListRecordPairs(ctx, "")
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		rec, err := h.store.LoadRecord(ctx, pair)
		if err != nil {
			return err
		}
		result.Records = append(result.Records, snapshotRecord(rec))
	}

	entries, err := h.store.AuditLog(ctx, model.PairKey{})
	if err != nil {
		return err
	}
	for _, e := range entries {
		result.Audit = append(result.Audit, AuditLine{
			Pair:    e.Pair.String(),
			Action:  string(e.Action),
			Variant: string(e.Variant),
			Detail:  e.Detail,
		})
	}
	return nil
}

func pairsOf(payloads []reconcile.Payload) []model.PairKey {
	out := make([]model.PairKey, len(payloads))
	for i, p := range payloads {
		out[i] = p.Pair
	}
	return out
}
