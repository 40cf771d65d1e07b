package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/trigger"
)

// OutcomeView is one trigger outcome as printed by the CLI.
type OutcomeView struct {
	trigger.Outcome
}

func (o OutcomeView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Pair, o.Action)
	if o.Variant != "" {
		fmt.Fprintf(&b, " (%s)", o.Variant)
	}
	if o.SyncState != "" {
		fmt.Fprintf(&b, " sync=%s", o.SyncState)
	}
	for _, r := range o.Reasons {
		fmt.Fprintf(&b, "\n  reason: %s", r)
	}
	for _, w := range o.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	if o.Error != "" {
		fmt.Fprintf(&b, "\n  error: %s", o.Error)
	}
	if o.Record != nil && !o.Record.Emptied() && len(o.Record.Fields) > 0 {
		fmt.Fprintf(&b, "\n%s", renderFields(o.Record.Fields))
	}
	return b.String()
}

// SweepReport summarizes a batch of outcomes.
type SweepReport struct {
	Total    int            `json:"total"`
	Actions  map[string]int `json:"actions"`
	Failed   int            `json:"failed"`
	Outcomes []OutcomeView  `json:"outcomes"`
}

func newSweepReport(outcomes []trigger.Outcome) SweepReport {
	r := SweepReport{Total: len(outcomes), Actions: map[string]int{}, Outcomes: make([]OutcomeView, 0, len(outcomes))}
	for _, o := range outcomes {
		r.Actions[string(o.Action)]++
		if o.Error != "" {
			r.Failed++
		}
		o.Record = nil
		r.Outcomes = append(r.Outcomes, OutcomeView{o})
	}
	return r
}

func (r SweepReport) String() string {
	var b strings.Builder
	for _, o := range r.Outcomes {
		fmt.Fprintln(&b, o)
	}
	fmt.Fprintf(&b, "%d pair(s):", r.Total)
	for _, a := range []trigger.Action{
		trigger.ActionCreated, trigger.ActionRecomputed, trigger.ActionDeleted,
		trigger.ActionEmptied, trigger.ActionNone, trigger.ActionAborted,
	} {
		if n := r.Actions[string(a)]; n > 0 {
			fmt.Fprintf(&b, " %d %s", n, a)
		}
	}
	if r.Failed > 0 {
		fmt.Fprintf(&b, ", %d with errors", r.Failed)
	}
	return b.String()
}

// EligibilityView is an eligibility decision as printed by the CLI.
type EligibilityView struct {
	eligibility.Decision
	Variant model.Variant `json:"variant"`
}

func (e EligibilityView) String() string {
	var b strings.Builder
	verdict := "eligible"
	if !e.Eligible {
		verdict = "not eligible"
	}
	fmt.Fprintf(&b, "%s: %s (%s)\n", e.Pair, verdict, e.Variant)
	fmt.Fprintf(&b, "  regulatory: %s\n", e.Regulatory)
	fmt.Fprintf(&b, "  technical:  %s\n", e.Technical)
	fmt.Fprintf(&b, "  purchase:   recent=%t", e.PurchaseRecent)
	if e.LastPurchase != nil {
		fmt.Fprintf(&b, " last=%s", e.LastPurchase.UTC().Format(time.DateOnly))
	}
	for _, r := range e.Reasons {
		fmt.Fprintf(&b, "\n  reason: %s", r)
	}
	return b.String()
}

// RecordView is a stored record with its audit trail.
type RecordView struct {
	Record *model.DerivedRecord `json:"record,omitempty"`
	Audit  []model.AuditEntry   `json:"audit"`
}

func (v RecordView) String() string {
	var b strings.Builder
	if rec := v.Record; rec != nil {
		fmt.Fprintf(&b, "%s (%s) sync=%s", rec.Pair, rec.Variant, rec.SyncState)
		if rec.ExternalRevision != "" {
			fmt.Fprintf(&b, " revision=%s", rec.ExternalRevision)
		}
		fmt.Fprintf(&b, " logic=v%d calculated=%s", rec.RegistryVersion, rec.CalculatedAt.UTC().Format(time.RFC3339))
		if rec.Emptied() {
			fmt.Fprintf(&b, "\n  emptied at %s", rec.EmptiedAt.UTC().Format(time.RFC3339))
		}
		if rec.LastError != "" {
			fmt.Fprintf(&b, "\n  last error: %s", rec.LastError)
		}
		for _, w := range rec.Warnings {
			fmt.Fprintf(&b, "\n  warning: %s", w)
		}
		if len(rec.Fields) > 0 {
			fmt.Fprintf(&b, "\n%s", renderFields(rec.Fields))
		}
	} else {
		b.WriteString("no record")
	}
	if len(v.Audit) > 0 {
		b.WriteString("\naudit:")
		for _, e := range v.Audit {
			fmt.Fprintf(&b, "\n  %s %-12s %s", e.At.UTC().Format(time.RFC3339), e.Action, e.Detail)
		}
	}
	return b.String()
}

// renderFields prints fields one per line in key order.
func renderFields(fields model.FieldSet) string {
	lines := make([]string, 0, len(fields))
	for _, k := range fields.SortedKeys() {
		v, err := model.MarshalValue(fields[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", fields[k]))
		}
		lines = append(lines, fmt.Sprintf("  %-24s %s", k, v))
	}
	return strings.Join(lines, "\n")
}
