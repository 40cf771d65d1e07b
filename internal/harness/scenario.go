package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bluelines/internal/dataset"
	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/trigger"
)

// DefaultStart is the clock of a scenario that sets no start time.
var DefaultStart = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// Scenario is one end-to-end recalculation scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Logic is the directory of CUE field logic definitions, relative to
	// the scenario file.
	Logic string `yaml:"logic"`

	// Start is the initial clock. Default: DefaultStart.
	Start *time.Time `yaml:"start,omitempty"`

	// Lookback is the purchase window. Default: 3y.
	Lookback string `yaml:"lookback,omitempty"`

	// AutoSync toggles the sync after each recalculation. Default: true.
	AutoSync *bool `yaml:"auto_sync,omitempty"`

	// Setup is source data applied before the flow.
	Setup *dataset.Dataset `yaml:"setup,omitempty"`

	// Flow is the ordered list of steps.
	Flow []Step `yaml:"flow"`

	// Assertions are checked against the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow step. Exactly one operation field is set; Expect and
// ExpectError check the step's result.
type Step struct {
	Data     *dataset.Dataset `yaml:"data,omitempty"`
	Event    *EventStep       `yaml:"event,omitempty"`
	Recalc   string           `yaml:"recalc,omitempty"`
	Sweep    *SweepStep       `yaml:"sweep,omitempty"`
	Sync     *SyncStep        `yaml:"sync,omitempty"`
	Edit     *EditStep        `yaml:"edit,omitempty"`
	Advance  string           `yaml:"advance,omitempty"`
	FailNext []string         `yaml:"fail_next,omitempty"`

	// Expect is matched against the step's outcomes by pair.
	Expect []Expect `yaml:"expect,omitempty"`

	// ExpectError is a substring of the error the step must return.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// EventStep delivers a trigger event.
type EventStep struct {
	Kind    string `yaml:"kind"`
	Pair    string `yaml:"pair,omitempty"`
	Variant string `yaml:"variant,omitempty"`
}

// SweepStep recalculates every known pair.
type SweepStep struct{}

// SyncStep runs an explicit push or pull.
type SyncStep struct {
	Pair      string `yaml:"pair"`
	Direction string `yaml:"direction,omitempty"`
}

// EditStep sets a manual field.
type EditStep struct {
	Pair  string `yaml:"pair"`
	Field string `yaml:"field"`
	Value any    `yaml:"value"`
}

// Expect is a subset match on one outcome.
type Expect struct {
	Pair      string   `yaml:"pair"`
	Action    string   `yaml:"action,omitempty"`
	Eligible  *bool    `yaml:"eligible,omitempty"`
	Variant   string   `yaml:"variant,omitempty"`
	SyncState string   `yaml:"sync_state,omitempty"`
	Warnings  []string `yaml:"warnings,omitempty"`
	Error     string   `yaml:"error,omitempty"`
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Pair string `yaml:"pair,omitempty"`

	// record
	Variant   string         `yaml:"variant,omitempty"`
	SyncState string         `yaml:"sync_state,omitempty"`
	Emptied   *bool          `yaml:"emptied,omitempty"`
	Fields    map[string]any `yaml:"fields,omitempty"`

	// audit: exact action sequence of Pair
	Actions []string `yaml:"actions,omitempty"`

	// pushes, pulls: number of calls, optionally for Pair only
	Count *int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertRecord   = "record"
	AssertNoRecord = "no_record"
	AssertAudit    = "audit"
	AssertPushes   = "pushes"
	AssertPulls    = "pulls"
)

// Step operations, as reported in traces.
const (
	OpData     = "data"
	OpEvent    = "event"
	OpRecalc   = "recalc"
	OpSweep    = "sweep"
	OpSync     = "sync"
	OpEdit     = "edit"
	OpAdvance  = "advance"
	OpFailNext = "fail_next"
)

// Op returns the operation the step performs, or "" if it sets none or
// more than one.
func (s Step) Op() string {
	var ops []string
	if s.Data != nil {
		ops = append(ops, OpData)
	}
	if s.Event != nil {
		ops = append(ops, OpEvent)
	}
	if s.Recalc != "" {
		ops = append(ops, OpRecalc)
	}
	if s.Sweep != nil {
		ops = append(ops, OpSweep)
	}
	if s.Sync != nil {
		ops = append(ops, OpSync)
	}
	if s.Edit != nil {
		ops = append(ops, OpEdit)
	}
	if s.Advance != "" {
		ops = append(ops, OpAdvance)
	}
	if len(s.FailNext) > 0 {
		ops = append(ops, OpFailNext)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoadScenario reads and parses a scenario YAML file. The Logic directory is
// resolved relative to the file. Unknown keys are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Logic != "" && !filepath.IsAbs(scenario.Logic) {
		scenario.Logic = filepath.Join(filepath.Dir(path), scenario.Logic)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and the shape of every step.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Logic == "" {
		return fmt.Errorf("logic directory is required")
	}
	if _, err := os.Stat(s.Logic); err != nil {
		return fmt.Errorf("logic directory not found: %s", s.Logic)
	}
	if s.Lookback != "" {
		if _, err := eligibility.ParseLookback(s.Lookback); err != nil {
			return err
		}
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	op := step.Op()
	switch op {
	case "":
		return fmt.Errorf("exactly one operation is required")
	case OpEvent:
		ev, err := step.Event.event()
		if err != nil {
			return err
		}
		if err := ev.Validate(); err != nil {
			return err
		}
	case OpRecalc:
		if _, err := model.ParsePairKey(step.Recalc); err != nil {
			return err
		}
	case OpSync:
		if _, err := model.ParsePairKey(step.Sync.Pair); err != nil {
			return err
		}
	case OpEdit:
		if _, err := model.ParsePairKey(step.Edit.Pair); err != nil {
			return err
		}
		if step.Edit.Field == "" {
			return fmt.Errorf("edit: field is required")
		}
	case OpAdvance:
		if _, err := eligibility.ParseLookback(step.Advance); err != nil {
			return err
		}
	case OpFailNext:
		for _, kind := range step.FailNext {
			if _, err := scriptedFailure(kind); err != nil {
				return err
			}
		}
	}
	for i, e := range step.Expect {
		if _, err := model.ParsePairKey(e.Pair); err != nil {
			return fmt.Errorf("expect[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRecord, AssertNoRecord, AssertAudit:
		if _, err := model.ParsePairKey(a.Pair); err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
	case AssertPushes, AssertPulls:
		if a.Count == nil {
			return fmt.Errorf("%s: count is required", a.Type)
		}
		if *a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative, got %d", a.Type, *a.Count)
		}
		if a.Pair != "" {
			if _, err := model.ParsePairKey(a.Pair); err != nil {
				return fmt.Errorf("%s: %w", a.Type, err)
			}
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// event converts the step into a trigger event.
func (e *EventStep) event() (trigger.Event, error) {
	ev := trigger.Event{Kind: trigger.EventKind(e.Kind), Variant: model.Variant(e.Variant)}
	if e.Pair != "" {
		pair, err := model.ParsePairKey(e.Pair)
		if err != nil {
			return ev, err
		}
		ev.Pair = pair
	}
	return ev, nil
}
