package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observe routes the process logger into an in-memory observer for the
// duration of the test.
func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	t.Cleanup(func() { SetBase(zap.NewNop()) })
	return logs
}

func TestLoggerFields(t *testing.T) {
	logs := observe(t)

	New("conn").With("endpoint", "ws://x").Info("connected", map[string]interface{}{"attempt": 2})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "connected", entries[0].Message)
	assert.Equal(t, "conn", ctx["component"])
	assert.Equal(t, "ws://x", ctx["endpoint"])
	assert.Equal(t, map[string]interface{}{"attempt": 2}, ctx["extra"])
}

func TestLoggerLevels(t *testing.T) {
	logs := observe(t)
	l := New("decoder")

	l.Debug("d", nil)
	l.Info("i", nil)
	l.Warn("w", nil, errors.New("bad frame"))
	l.Error("e", nil, nil)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "bad frame", entries[2].ContextMap()["error"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	_, hasErr := entries[3].ContextMap()["error"]
	assert.False(t, hasErr)
}

func TestWithDoesNotMutateParent(t *testing.T) {
	logs := observe(t)
	parent := New("client")
	_ = parent.With("session", "abc")

	parent.Info("plain", nil)

	_, ok := logs.All()[0].ContextMap()["session"]
	assert.False(t, ok)
}

func TestTimedEvent(t *testing.T) {
	logs := observe(t)

	New("client").TimedEvent("query_done", time.Now().Add(-50*time.Millisecond), nil)

	ms, ok := logs.All()[0].ContextMap()["duration_ms"].(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ms, int64(50))
}

func TestInitWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scholar.log")
	require.NoError(t, Init(Options{File: path, Level: LevelWarn}))
	t.Cleanup(func() { SetBase(zap.NewNop()) })

	New("conn").Info("dropped_below_level", nil)
	New("conn").Warn("reconnect_scheduled", nil, nil)
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"event":"reconnect_scheduled"`)
	assert.Contains(t, out, `"component":"conn"`)
	assert.False(t, strings.Contains(out, "dropped_below_level"))
}

func TestInitEmptyFileDiscards(t *testing.T) {
	require.NoError(t, Init(Options{}))
	New("x").Error("nothing", nil, nil)
}
