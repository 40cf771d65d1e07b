package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenSnapshot is the part of a Result compared against golden files:
// the step trace and the final state, without pass/fail bookkeeping.
type GoldenSnapshot struct {
	Scenario string           `json:"scenario"`
	Steps    []StepTrace      `json:"steps"`
	Records  []RecordSnapshot `json:"records"`
	Audit    []AuditLine      `json:"audit"`
}

// Snapshot returns the golden view of r.
func (r *Result) Snapshot() GoldenSnapshot {
	return GoldenSnapshot{Scenario: r.Scenario, Steps: r.Steps, Records: r.Records, Audit: r.Audit}
}

// MarshalGolden renders the golden view of r as indented JSON with a
// trailing newline.
func MarshalGolden(r *Result) ([]byte, error) {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails the test on any expectation or
// assertion failure, and compares the result against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalGolden(result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
