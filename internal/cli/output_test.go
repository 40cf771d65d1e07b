package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonFormatter(buf *bytes.Buffer) *OutputFormatter {
	return &OutputFormatter{Format: "json", Writer: buf}
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, jsonFormatter(buf).Success(SweepReport{Total: 2, Actions: map[string]int{"created": 2}}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(2), resp.Data.(map[string]any)["total"])
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	details := []string{"REGULATORY_NOT_APPROVED: no regulatory approval on record"}
	require.NoError(t, jsonFormatter(buf).Error(ErrCodeGeneric, "M-1/S-2 is not eligible", details))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Equal(t, "M-1/S-2 is not eligible", resp.Error.Message)
	assert.Len(t, resp.Error.Details, 1)
}

func TestOutputFormatter_TextSuccessUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success(LogicReport{Dir: "logic", Valid: true, Definitions: 6}))
	assert.Equal(t, "✓ 6 definition(s) in logic are valid\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, f.Error(ErrCodeNoRecord, "no derived record", "M-1/S-1"))
			assert.Contains(t, buf.String(), "Error [E006]: no derived record")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: M-1/S-1")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLogAvoidsJSONStream(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	f.VerboseLog("Wrote %d pair(s) from %s", 2, "data.yaml")
	assert.Empty(t, out.String())
	assert.Equal(t, "Wrote 2 pair(s) from data.yaml\n", diag.String())

	diag.Reset()
	f.Verbose = false
	f.VerboseLog("hidden")
	assert.Empty(t, diag.String())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	cause := errors.New("database is locked")

	err := jsonFormatter(buf).Fail(ExitCommandError, ErrCodeStore, "failed to open database", cause)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, cause)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, ErrCodeStore, resp.Error.Code)
	assert.Equal(t, "database is locked", resp.Error.Details)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad args")))

	wrapped := WrapExitError(ExitFailure, "sync failed", errors.New("timeout"))
	assert.Equal(t, "sync failed: timeout", wrapped.Error())
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}
