package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("photo upload failed", "photo_id", "p-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "photo upload failed", entry["msg"])
	assert.Equal(t, "p-1", entry["photo_id"])
	assert.Equal(t, "siteassess", entry["service"])
}

func TestNewWritesLogFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "siteassess.log")
	logger, cleanup, err := New("info", path)
	require.NoError(t, err)

	logger.Info("submit finished", "assessment_id", "a-1")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"assessment_id":"a-1"`)
}
