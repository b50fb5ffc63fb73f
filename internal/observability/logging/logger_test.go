package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLoggerBuilds(t *testing.T) {
	logger, err := NewZapLogger(LogConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	logger.Info("hello", String("k", "v"), Int("n", 1))
	child := logger.With(Float64("lr", 3e-4))
	child.Debug("child logger works")
	require.NotNil(t, child)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("unknown"))
}

func TestRotationLoggerWritesToFile(t *testing.T) {
	path := t.TempDir() + "/train.log"
	logger, err := NewZapLoggerWithRotation(LogConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: path,
		MaxSize:  1,
	})
	require.NoError(t, err)

	logger.Info("rotated entry", Bool("ok", true))
	require.NoError(t, logger.Sync())
}

func TestNoopLoggerIsInert(t *testing.T) {
	logger := NewNoopLogger()
	logger.Debug("a")
	logger.Error("b", Any("x", 1))
	assert.NoError(t, logger.Sync())
	assert.Equal(t, logger, logger.With(String("k", "v")))
}
