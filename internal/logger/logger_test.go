package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/synlens/internal/env"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(env.Production, WithOutput(&buf))

	l.Info("Frame admitted", "skip", 2)
	l.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Frame admitted", rec["msg"])
	assert.EqualValues(t, 2, rec["skip"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_DevelopmentLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(env.Development, WithOutput(&buf))

	l.Debug("Token received", "count", 4)

	assert.Contains(t, buf.String(), "Token received")
}

func TestNew_WithLevelOverrides(t *testing.T) {
	var buf bytes.Buffer
	l := New(env.Development, WithOutput(&buf), WithLevel(slog.LevelWarn))

	l.Info("quiet")
	assert.Empty(t, buf.String())
}

func TestNew_LogToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "synlens.log")

	l := New(env.Production,
		WithOutput(&buf),
		WithLogToFile(true),
		WithLogFile(path),
		WithRotation(1, 1, 1, false),
	)
	l.With("component", "test").Info("Model loaded", "model_id", "smolvlm")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Model loaded")
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, buf.String(), "Model loaded")
}
