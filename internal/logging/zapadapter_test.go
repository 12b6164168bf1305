package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func captureLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(level, &buf), &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestZapLoggerForwardsThroughAdapter(t *testing.T) {
	logger, buf := captureLogger(DebugLevel)
	zl := NewZapLogger(logger)

	zl.Info("fitting surrogate",
		zap.String("sampler", "gp"),
		zap.Int64("trial_id", 42),
		zap.Float64("noise", 1e-6),
	)
	require.NoError(t, zl.Sync())

	entry := lastEntry(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "fitting surrogate", entry["message"])
	assert.Equal(t, "gp", entry["sampler"])
	assert.Equal(t, float64(42), entry["trial_id"])
	assert.InDelta(t, 1e-6, entry["noise"], 1e-12)
}

func TestZapLoggerRespectsLevel(t *testing.T) {
	logger, buf := captureLogger(WarnLevel)
	zl := NewZapLogger(logger)

	zl.Debug("dropped")
	zl.Info("dropped too")
	assert.Zero(t, buf.Len())

	zl.Warn("kept")
	entry := lastEntry(t, buf)
	assert.Equal(t, "WARN", entry["level"])
}

func TestZapWithFieldsAccumulate(t *testing.T) {
	logger, buf := captureLogger(DebugLevel)
	zl := NewZapLogger(logger).With(zap.String("study", "smoke"))

	zl.Error("boom", zap.String("reason", "singular matrix"))
	entry := lastEntry(t, buf)
	assert.Equal(t, "smoke", entry["study"])
	assert.Equal(t, "singular matrix", entry["reason"])
}
