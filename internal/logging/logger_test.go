package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WarnLevel, &buf)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept", map[string]interface{}{"rep": 3})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, float64(3), entry["rep"])
	assert.Contains(t, entry["caller"], "logging/logger_test.go")
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(InfoLevel, &buf)
	child := parent.WithField("rep", 1)

	parent.Info("parent")
	child.Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], `"rep"`)
	assert.Contains(t, lines[1], `"rep":1`)
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormat(InfoLevel, ConsoleFormat, &buf)

	logger.Info("checkpoint saved", map[string]interface{}{"rep": 2, "iteration": 50})

	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "checkpoint saved")
	assert.Contains(t, line, "iteration=50 rep=2")
}

func TestNewLoggerConfig(t *testing.T) {
	logger, err := NewLogger(&Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, logger.Level())

	logger, err = NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, logger.Level())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestZapLoggerForwards(t *testing.T) {
	var buf bytes.Buffer
	base := New(DebugLevel, &buf)
	zl := NewZapLogger(base).Named("cmaes")

	zl.Debug("step size adapted", zap.Float64("sigma", 0.25), zap.Int("generation", 7))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "step size adapted", entry["message"])
	assert.Equal(t, 0.25, entry["sigma"])
	assert.Equal(t, float64(7), entry["generation"])
	assert.Equal(t, "cmaes", entry["logger"])
}
