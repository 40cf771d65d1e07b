package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bluelines/internal/model"
)

const logicDir = "../../testdata/logic"

const testData = `
materials:
  M-1:
    name: Ethanol
suppliers:
  - pair: M-1/S-1
    attributes:
      origin: France
      allergen: "No"
  - pair: M-1/S-2
    attributes:
      origin: Spain
approvals:
  - pair: M-1/S-1
    status: APC
    ago: 30d
purchases:
  - pair: M-1/S-1
    ago: 10d
`

// env is a scratch database and data file for one test.
type env struct {
	t    *testing.T
	db   string
	data string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data.yaml")
	require.NoError(t, os.WriteFile(data, []byte(testData), 0644))
	return &env{t: t, db: filepath.Join(dir, "bluelines.db"), data: data}
}

// run executes the root command against the env database.
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	return e.runWithInput("", args...)
}

func (e *env) runWithInput(input string, args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(append(args, "--db", e.db, "--env-file", filepath.Join(e.t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

// seeded imports the test logic and data.
func (e *env) seeded() *env {
	e.t.Helper()
	_, err := e.run("logic", "import", logicDir)
	require.NoError(e.t, err)
	_, err = e.run("ingest", e.data)
	require.NoError(e.t, err)
	return e
}

func decode(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func data(t *testing.T, resp CLIResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func render(t *testing.T, v model.Value) string {
	t.Helper()
	b, err := model.MarshalValue(v)
	require.NoError(t, err)
	return string(b)
}

func TestLogicValidate(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("logic", "validate", logicDir)
	require.NoError(t, err)
	assert.Contains(t, out, "6 definition(s)")

	out, err = e.run("logic", "validate", logicDir, "--format", "json")
	require.NoError(t, err)
	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, true, data(t, resp)["valid"])
}

func TestLogicValidateInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(`package logic

field: risk: {
	operator: "worst_case"
	priority: 1
	source:   "supplier.risk"
}
`), 0644))

	e := newEnv(t)
	out, err := e.run("logic", "validate", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeInvalidLogic, resp.Error.Code)
}

func TestLogicValidateMissingDir(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("logic", "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestLogicImportAndList(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("logic", "import", logicDir, "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, float64(1), data(t, decode(t, out))["version"])

	_, err = e.run("logic", "import", logicDir)
	require.NoError(t, err)

	out, err = e.run("logic", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "field logic version 2")
	assert.Contains(t, out, "-> NAME")

	out, err = e.run("logic", "list", "--variant", "homologated", "--format", "json")
	require.NoError(t, err)
	defs := data(t, decode(t, out))["definitions"].([]any)
	assert.Len(t, defs, 5, "allergen is provisional only")
}

func TestCommandsRequireLogic(t *testing.T) {
	e := newEnv(t)
	for _, args := range [][]string{
		{"recalc", "M-1", "S-1"},
		{"calculate", "M-1", "S-1"},
		{"sweep"},
		{"logic", "list"},
	} {
		t.Run(args[0], func(t *testing.T) {
			out, err := e.run(args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [E004]")
		})
	}
}

func TestInvalidPairArgument(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("recalc", "M-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestIngest(t *testing.T) {
	e := newEnv(t)
	out, err := e.run("ingest", e.data, "--format", "json")
	require.NoError(t, err)
	summary := data(t, decode(t, out))["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["materials"])
	assert.Equal(t, float64(2), summary["suppliers"])
	assert.Len(t, summary["pairs"], 2)

	out, err = e.run("ingest", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, out, "Error [E002]")
}

func TestIngestWithRecalc(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("logic", "import", logicDir)
	require.NoError(t, err)

	out, err := e.run("ingest", e.data, "--recalc")
	require.NoError(t, err)
	assert.Contains(t, out, "M-1/S-1: ")
	assert.Contains(t, out, "sync=synced")
	assert.Contains(t, out, "M-1/S-2: none")
	assert.Contains(t, out, "2 pair(s):")
}

func TestEligibility(t *testing.T) {
	e := newEnv(t).seeded()

	out, err := e.run("eligibility", "M-1", "S-1", "--format", "json")
	require.NoError(t, err)
	d := data(t, decode(t, out))
	assert.Equal(t, true, d["eligible"])
	assert.Equal(t, "provisional", d["variant"])

	out, err = e.run("eligibility", "M-1/S-2")
	require.NoError(t, err)
	assert.Contains(t, out, "M-1/S-2: not eligible")
	assert.Contains(t, out, "REGULATORY_NOT_APPROVED")
	assert.Contains(t, out, "NO_RECENT_PURCHASE")
}

func TestCalculateWritesNothing(t *testing.T) {
	e := newEnv(t).seeded()

	out, err := e.run("calculate", "M-1", "S-1")
	require.NoError(t, err)
	assert.Contains(t, out, `name                     "Ethanol"`)
	assert.Contains(t, out, `allergen                 "No"`)

	out, err = e.run("show", "M-1", "S-1")
	require.Error(t, err)
	assert.Contains(t, out, "Error [E006]")

	out, err = e.run("calculate", "M-1", "S-2")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "not eligible")
}

func TestRecordLifecycle(t *testing.T) {
	e := newEnv(t).seeded()

	out, err := e.run("recalc", "M-1", "S-1", "--format", "json")
	require.NoError(t, err)
	d := data(t, decode(t, out))
	assert.Equal(t, "created", d["action"])
	assert.Equal(t, "synced", d["sync_state"])

	out, err = e.run("edit", "M-1/S-1", "notes", "checked by QA")
	require.NoError(t, err)
	assert.Contains(t, out, "M-1/S-1: edited (provisional)")

	out, err = e.run("edit", "M-1/S-1", "name", "Methanol")
	require.Error(t, err)
	assert.Contains(t, out, "Error [E008]")

	out, err = e.run("pull", "M-1", "S-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E007]")

	out, err = e.run("push", "M-1", "S-1")
	require.NoError(t, err)
	assert.Contains(t, out, "M-1/S-1: synced")

	out, err = e.run("recalc", "M-1", "S-1", "--cascade")
	require.NoError(t, err)
	assert.Contains(t, out, "M-1/S-1: recomputed")

	out, err = e.run("show", "M-1", "S-1")
	require.NoError(t, err)
	assert.Contains(t, out, `notes                    "checked by QA"`)
	for _, action := range []string{"created", "manual_edit", "sync", "recomputed"} {
		assert.Contains(t, out, action)
	}

	out, err = e.run("sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pair(s): 1 recomputed")

	out, err = e.run("sweep", "--all", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, float64(2), data(t, decode(t, out))["total"])
}

func TestServeHandlesEventStream(t *testing.T) {
	e := newEnv(t).seeded()

	input := `{"kind":"approval_changed","pair":{"material_id":"M-1","supplier_code":"S-1"}}
not json
{"kind":"reboot"}
`
	out, err := e.runWithInput(input, "serve", "--exit-on-eof")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1, "malformed and invalid events are skipped")

	var res EventResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &res))
	assert.Equal(t, "approval_changed", string(res.Event.Kind))
	assert.NotEmpty(t, res.Event.ID)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "created", string(res.Outcomes[0].Action))
	assert.Empty(t, res.Error)
}
