package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_CreatesDirAndLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := NewLogger(dir, false)
	require.NoError(t, err)

	// Directory should exist
	_, err = os.Stat(dir)
	require.NoError(t, err, "log dir missing")

	log.Info("test_message_from_logging_test")
	_ = log.Sync()

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "test_message_from_logging_test")
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_DebugLevel(t *testing.T) {
	log, err := NewLogger(t.TempDir(), true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel), "debug level should be enabled")
}

func TestNewLogger_DisabledIsNop(t *testing.T) {
	log, err := NewLogger("", false)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.ErrorLevel), "expected no-op logger")
}
