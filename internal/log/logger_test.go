package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "level %q", tt.input)
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	logger.Debug("fetch complete", SourceKey, "api", DurationKey, 12)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fetch complete", entry["msg"])
	assert.Equal(t, "api", entry["source"])
	assert.Equal(t, float64(12), entry["duration_ms"])
}

func TestFromEnv(t *testing.T) {
	t.Setenv("REQON_DEBUG", "")
	t.Setenv("REQON_LOG_LEVEL", "trace")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv()
	assert.Equal(t, "trace", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
}

func TestFromEnvDebugPrecedence(t *testing.T) {
	t.Setenv("REQON_DEBUG", "1")
	t.Setenv("REQON_LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRun(logger, "sync-users", "run-1").Info("mission start")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sync-users", entry["mission"])
	assert.Equal(t, "run-1", entry["run_id"])
}
