package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "json").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", "console").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("nonsense", "json").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("nonsense", "json").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = WithValue(ctx, StreamIDKey, "abc")
	cl.LogRequest(ctx, "POST", "/api/v1/streams", 201, 3)
	cl.LogError(context.Background(), errors.New("boom"), "webhook failed")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "abc", fields["stream_id"])
	assert.Equal(t, int64(201), fields["status_code"])

	assert.Equal(t, "webhook failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	_, hasReq := entries[1].ContextMap()["request_id"]
	assert.False(t, hasReq)
}
