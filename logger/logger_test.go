package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Str("device_id", "abc").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "abc", entry["device_id"])
}

func TestDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "error", Debug: true}, &buf)
	require.NoError(t, err)

	l.Debug().Msg("debug entry")
	assert.Contains(t, buf.String(), "debug entry")
}

func TestInvalidLevel(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{}, &buf)
	require.NoError(t, err)

	cl := WithComponent(l, "discovery")
	cl.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"discovery"`)
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_OUTPUT", "stdout")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stdout", cfg.Output)
}
