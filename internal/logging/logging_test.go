package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"media-gen-service/internal/config"
)

func TestNew_LevelAndFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")
	logger := New(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{out}})

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger.Warn("provider skipped")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"provider skipped"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNew_DefaultsToInfo(t *testing.T) {
	logger := New(config.LogConfig{Level: "loud", Format: "console", OutputPaths: []string{filepath.Join(t.TempDir(), "c.log")}})
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
