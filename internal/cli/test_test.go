package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../../testdata/scenarios"

func runTestCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"test"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// copyScenario lays out dir/scenarios/<name>.yaml next to dir/logic so the
// scenario's relative logic path resolves.
func copyScenario(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"scenarios", "logic"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0755))
	}
	scenario, err := os.ReadFile(filepath.Join(scenariosDir, name+".yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenarios", name+".yaml"), scenario, 0644))
	logic, err := os.ReadFile(filepath.Join(logicDir, "blueline.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logic", "blueline.cue"), logic, 0644))
	return filepath.Join(dir, "scenarios")
}

func TestTestCommand_AllScenariosPass(t *testing.T) {
	out, err := runTestCommand(t, scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ provisional_lifecycle")
	assert.Contains(t, out, "✓ homologated_pull")
	assert.Contains(t, out, "0 failed")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := runTestCommand(t, scenariosDir, "--filter", "push_*", "--format", "json")
	require.NoError(t, err, out)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	d := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), d["total"])
	assert.Equal(t, float64(1), d["passed"])
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := runTestCommand(t, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := runTestCommand(t, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_UpdateThenCompareGolden(t *testing.T) {
	dir := copyScenario(t, "cross_supplier_delete")

	out, err := runTestCommand(t, dir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "golden updated")
	assert.FileExists(t, filepath.Join(dir, "golden", "cross_supplier_delete.golden"))

	out, err = runTestCommand(t, dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed")

	golden := filepath.Join(dir, "golden", "cross_supplier_delete.golden")
	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0644))
	out, err = runTestCommand(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ cross_supplier_delete")
}
