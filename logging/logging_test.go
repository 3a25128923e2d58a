package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewRespectsLevel(t *testing.T) {
	logger := New("error", "text")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	debug := New("debug", "text")
	assert.True(t, debug.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", "json", &buf)
	logger.Info("epoch finished", "epoch", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "epoch finished", rec["msg"])
	assert.Equal(t, float64(3), rec["epoch"])
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.NotNil(t, FromContext(ctx))

	var buf bytes.Buffer
	custom := NewWithWriter("info", "json", &buf)
	ctx = WithLogger(WithRunID(ctx, "run-42"), custom)
	assert.Same(t, custom, FromContext(ctx))

	L(ctx).Info("hello")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run-42", rec["run_id"])
}
