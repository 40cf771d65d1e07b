package harness

import (
	"strings"
	"time"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/trigger"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Steps is the trace of flow steps in order.
	Steps []StepTrace `json:"steps"`

	// Records is every derived record after the flow, in pair order.
	Records []RecordSnapshot `json:"records"`

	// Audit is the whole audit log in write order.
	Audit []AuditLine `json:"audit"`

	// Errors holds expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// StepTrace is what one flow step did.
type StepTrace struct {
	Step     int            `json:"step"`
	Op       string         `json:"op"`
	At       time.Time      `json:"at"`
	Outcomes []OutcomeTrace `json:"outcomes"`
	Error    string         `json:"error,omitempty"`
}

// OutcomeTrace is the comparable part of a trigger outcome.
type OutcomeTrace struct {
	Pair      string   `json:"pair"`
	Action    string   `json:"action"`
	Eligible  bool     `json:"eligible"`
	Reasons   []string `json:"reasons,omitempty"`
	Variant   string   `json:"variant,omitempty"`
	SyncState string   `json:"sync_state,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RecordSnapshot is the comparable part of a derived record. Fingerprints
// are left out; they are covered by Fields.
type RecordSnapshot struct {
	Pair             string         `json:"pair"`
	Variant          string         `json:"variant"`
	SyncState        string         `json:"sync_state"`
	ExternalRevision string         `json:"external_revision,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Emptied          bool           `json:"emptied,omitempty"`
	RegistryVersion  int64          `json:"registry_version"`
	Fields           model.FieldSet `json:"fields"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// AuditLine is one audit entry without its id and timestamp.
type AuditLine struct {
	Pair    string `json:"pair"`
	Action  string `json:"action"`
	Variant string `json:"variant,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// NewResult creates a passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Steps:    []StepTrace{},
		Records:  []RecordSnapshot{},
		Audit:    []AuditLine{},
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// AddStep appends a step to the trace.
func (r *Result) AddStep(step StepTrace) {
	r.Steps = append(r.Steps, step)
}

func traceOutcome(o trigger.Outcome) OutcomeTrace {
	return OutcomeTrace{
		Pair:      o.Pair.String(),
		Action:    string(o.Action),
		Eligible:  o.Eligible,
		Reasons:   reasonCodes(o.Reasons),
		Variant:   string(o.Variant),
		SyncState: string(o.SyncState),
		Warnings:  warningCodes(o.Warnings),
		Error:     o.Error,
	}
}

func snapshotRecord(rec *model.DerivedRecord) RecordSnapshot {
	return RecordSnapshot{
		Pair:             rec.Pair.String(),
		Variant:          string(rec.Variant),
		SyncState:        string(rec.SyncState),
		ExternalRevision: rec.ExternalRevision,
		LastError:        rec.LastError,
		Emptied:          rec.Emptied(),
		RegistryVersion:  rec.RegistryVersion,
		Fields:           rec.Fields,
		Warnings:         warningCodes(rec.Warnings),
	}
}

// reasonCodes keeps the leading code of each eligibility reason.
func reasonCodes(reasons []string) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i], _, _ = strings.Cut(r, ":")
	}
	return out
}

// warningCodes renders warnings as "<KIND> <field>".
func warningCodes(ws []model.Warning) []string {
	if len(ws) == 0 {
		return nil
	}
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = string(w.Kind) + " " + w.FieldID
	}
	return out
}
