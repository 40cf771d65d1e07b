package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "bluelines", cmd.Use)
	assert.Contains(t, cmd.Long, "eligible material-supplier")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"logic", "validate"}, {"logic", "import"}, {"logic", "list"},
		{"ingest"}, {"eligibility"}, {"calculate"}, {"recalc"}, {"sweep"},
		{"push"}, {"pull"}, {"edit"}, {"show"}, {"serve"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "env-file", "db"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSweepCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sweepCmd, _, err := cmd.Find([]string{"sweep"})
	require.NoError(t, err)

	variantFlag := sweepCmd.Flags().Lookup("variant")
	require.NotNil(t, variantFlag)
	assert.Equal(t, "", variantFlag.DefValue)
	assert.NotNil(t, sweepCmd.Flags().Lookup("all"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	eventsFlag := serveCmd.Flags().Lookup("events")
	require.NotNil(t, eventsFlag)
	assert.Equal(t, "-", eventsFlag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("exit-on-eof"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"logic", "validate", ".", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestParsePair(t *testing.T) {
	pair, err := parsePair([]string{"M-1", "S-1"})
	require.NoError(t, err)
	assert.Equal(t, "M-1/S-1", pair.String())

	pair, err = parsePair([]string{"M-1/S-1"})
	require.NoError(t, err)
	assert.Equal(t, "M-1/S-1", pair.String())

	_, err = parsePair([]string{"M-1"})
	assert.Error(t, err)
	_, err = parsePair([]string{"M-1", " "})
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"checked by QA", `"checked by QA"`},
		{"25", `25`},
		{"true", `true`},
		{"null", `null`},
		{`["a","b"]`, `["a","b"]`},
		{`"quoted"`, `"quoted"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := parseValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(t, v))
		})
	}

	_, err := parseValue("1.5")
	assert.Error(t, err, "floats are not field values")
}
