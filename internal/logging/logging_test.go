package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	component := Component(logger, "trigger")
	component.Info().Str("pair", "M-1/S-1").Msg("created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "trigger", line["component"])
	assert.Equal(t, "M-1/S-1", line["pair"])
	assert.Equal(t, "created", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "WARN", "")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("dropped")
	assert.Empty(t, buf.String())
	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "console")
	require.NoError(t, err)

	logger.Debug().Str("variant", "provisional").Msg("recomputed")
	out := buf.String()
	assert.Contains(t, out, "recomputed")
	assert.Contains(t, out, "variant=provisional")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	assert.ErrorContains(t, err, "invalid log format")
}
