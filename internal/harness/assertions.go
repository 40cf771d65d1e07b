package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bluelines/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Pair     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Pair != "" {
		fmt.Fprintf(&buf, " %s", e.Pair)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness state and
// returns one message per failure.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecord:
			err = h.assertRecord(ctx, a)
		case AssertNoRecord:
			err = h.assertNoRecord(ctx, a)
		case AssertAudit:
			err = h.assertAudit(ctx, a)
		case AssertPushes:
			err = assertCount(a, pairsOf(h.external.Pushes()))
		case AssertPulls:
			err = assertCount(a, h.external.Pulls())
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) assertRecord(ctx context.Context, a Assertion) error {
	pair, err := model.ParsePairKey(a.Pair)
	if err != nil {
		return err
	}
	rec, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return err
	}
	if rec == nil {
		return &AssertionError{Type: a.Type, Pair: a.Pair, Expected: "record exists", Actual: "no record"}
	}

	var diffs []string
	if a.Variant != "" && a.Variant != string(rec.Variant) {
		diffs = append(diffs, fmt.Sprintf("variant=%s (want %s)", rec.Variant, a.Variant))
	}
	if a.SyncState != "" && a.SyncState != string(rec.SyncState) {
		diffs = append(diffs, fmt.Sprintf("sync_state=%s (want %s)", rec.SyncState, a.SyncState))
	}
	if a.Emptied != nil && *a.Emptied != rec.Emptied() {
		diffs = append(diffs, fmt.Sprintf("emptied=%t (want %t)", rec.Emptied(), *a.Emptied))
	}
	for _, name := range sortedNames(a.Fields) {
		want, err := model.FromGo(a.Fields[name])
		if err != nil {
			return fmt.Errorf("%s %s: field %s: %w", a.Type, a.Pair, name, err)
		}
		got, ok := rec.Fields[name]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("field %s missing", name))
			continue
		}
		if !model.ValuesEqual(want, got) {
			diffs = append(diffs, fmt.Sprintf("field %s=%s (want %s)", name, render(got), render(want)))
		}
	}
	if len(diffs) > 0 {
		return &AssertionError{Type: a.Type, Pair: a.Pair, Expected: "matching record", Actual: strings.Join(diffs, ", ")}
	}
	return nil
}

func (h *Harness) assertNoRecord(ctx context.Context, a Assertion) error {
	pair, err := model.ParsePairKey(a.Pair)
	if err != nil {
		return err
	}
	rec, err := h.store.FindRecord(ctx, pair)
	if err != nil {
		return err
	}
	if rec != nil {
		return &AssertionError{Type: a.Type, Pair: a.Pair, Expected: "no record",
			Actual: fmt.Sprintf("%s record in state %s", rec.Variant, rec.SyncState)}
	}
	return nil
}

func (h *Harness) assertAudit(ctx context.Context, a Assertion) error {
	pair, err := model.ParsePairKey(a.Pair)
	if err != nil {
		return err
	}
	entries, err := h.store.AuditLog(ctx, pair)
	if err != nil {
		return err
	}
	actual := make([]string, len(entries))
	for i, e := range entries {
		actual[i] = string(e.Action)
	}
	if !slices.Equal(actual, a.Actions) {
		return &AssertionError{Type: a.Type, Pair: a.Pair,
			Expected: fmt.Sprintf("%v", a.Actions), Actual: fmt.Sprintf("%v", actual)}
	}
	return nil
}

// assertCount compares the number of calls, restricted to a.Pair if set.
func assertCount(a Assertion, calls []model.PairKey) error {
	n := len(calls)
	if a.Pair != "" {
		n = 0
		for _, p := range calls {
			if p.String() == a.Pair {
				n++
			}
		}
	}
	if n != *a.Count {
		return &AssertionError{Type: a.Type, Pair: a.Pair,
			Expected: fmt.Sprintf("%d call(s)", *a.Count), Actual: fmt.Sprintf("%d call(s)", n)}
	}
	return nil
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func render(v model.Value) string {
	data, err := model.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
