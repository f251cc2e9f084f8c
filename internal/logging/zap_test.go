package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewJSONLoggerWritesStructuredLines(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "log.jsonl")
	logger, err := New(Options{JSON: true, Output: out})
	require.NoError(t, err)

	logger.Info("model loaded")
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	content, err := os.ReadFile(out)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(content, &entry))
	require.Equal(t, "model loaded", entry["msg"])
	require.Equal(t, "voxserve", entry["service"])
	require.Equal(t, "info", entry["level"])
}

func TestNewVerboseLoggerEnablesDebug(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Verbose: true})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
