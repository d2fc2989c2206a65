package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"CRITICAL", zerolog.FatalLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestInit_WritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "DEBUG", Output: &buf}))

	Component("test").Info().Str("key", "value").Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"key":"value"`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "ERROR", Output: &buf}))

	Info().Msg("dropped")
	Error().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestInit_DevNullSilences(t *testing.T) {
	require.NoError(t, Init(Config{Level: "DEBUG", Path: "/dev/null"}))
	Info().Msg("into the void")
}
