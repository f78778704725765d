package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.DebugLevel, level.Level(), "empty level keeps the current one")

	assert.Error(t, SetLevel("loud"))
}

func TestInitGlobalLogger(t *testing.T) {
	require.NoError(t, InitGlobalLogger(Config{Level: "warn", Format: "json"}))
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	assert.Error(t, InitGlobalLogger(Config{Level: "info", Format: "xml"}))
	require.NoError(t, InitGlobalLogger(DefaultConfig()))
}

func TestNewLogger(t *testing.T) {
	log := NewLogger("Test")
	if log == nil {
		t.Fatal("NewLogger returned nil")
	}
	log.Debugf("debug %d", 1)

	if NewNopLogger() == nil {
		t.Fatal("NewNopLogger returned nil")
	}
}
