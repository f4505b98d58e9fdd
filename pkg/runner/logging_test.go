package runner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Arbor/pkg/engine/logging"
)

func TestZapLogger_ForwardsLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := ZapLogger(zap.New(core))

	adapter.Debug("aligning branches", logging.Int("branches", 3))
	adapter.Info("run started", logging.String("runID", "run-1"))
	adapter.Warn("slow invocation")
	adapter.Error("run failed", logging.Err(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "aligning branches", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].ContextMap()["branches"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "run-1", entries[1].ContextMap()["runID"])

	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestZapLogger_NilFallsBackToNoOp(t *testing.T) {
	adapter := ZapLogger(nil)
	require.NotNil(t, adapter)
	assert.IsType(t, &logging.NoOpLogger{}, adapter)
}
