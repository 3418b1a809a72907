package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core).Sugar())
	t.Cleanup(func() { SetLogger(prev) })
	return logs
}

func TestLoggerFromContextCarriesRequestID(t *testing.T) {
	logs := observe(t)

	ctx := WithRequestID(context.Background(), "req-1")
	LoggerFromContext(ctx).Infow("handled", "status", 200)
	LoggerFromContext(context.Background()).Infow("background")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[1].ContextMap(), "request_id")
}

func TestWithFields(t *testing.T) {
	logs := observe(t)

	WithFields("session_id", "s1").Warnw("autosave failed", "error", "boom")

	entries := logs.FilterMessage("autosave failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, map[string]any{"session_id": "s1", "error": "boom"}, entries[0].ContextMap())
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	require.Error(t, Configure("loud"))
	require.NoError(t, Configure("debug"))
	assert.True(t, Logger().Desugar().Core().Enabled(zapcore.DebugLevel))
}
