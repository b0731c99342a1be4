package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "debug", "json"), "autosave")

	log.Info().Str("session_id", "s-1").Msg("flushed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "autosave", line["component"])
	assert.Equal(t, "s-1", line["session_id"])
	assert.Equal(t, "flushed", line["message"])
	assert.Contains(t, line, "time")
	assert.Contains(t, line, "caller")
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "loud", "json")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNew_PrettyIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "pretty")
	log.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
