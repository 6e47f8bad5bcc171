package log

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	original := logger
	t.Cleanup(func() { logger = original })

	var buf bytes.Buffer
	logger = logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(&buf)
	return &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestInit(t *testing.T) {
	original := logger
	defer func() { logger = original }()

	t.Run("JSONFormat", func(t *testing.T) {
		require.NoError(t, Init(Config{Level: "debug", Format: "json", Output: "stdout"}))
		_, ok := logger.Formatter.(*logrus.JSONFormatter)
		assert.True(t, ok)
		assert.Equal(t, logrus.DebugLevel, logger.Level)
	})

	t.Run("InvalidLevelFallsBackToInfo", func(t *testing.T) {
		require.NoError(t, Init(Config{Level: "loud", Format: "text"}))
		assert.Equal(t, logrus.InfoLevel, logger.Level)
		_, ok := logger.Formatter.(*logrus.TextFormatter)
		assert.True(t, ok)
	})

	t.Run("FileOutput", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "groupbuy.log")
		require.NoError(t, Init(Config{
			Level:    "info",
			Format:   "text",
			Output:   "file",
			Filename: file,
			MaxSize:  10,
		}))

		Info("settled team")

		content, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(content), "settled team")
	})
}

func TestFields(t *testing.T) {
	t.Run("WithFields", func(t *testing.T) {
		buf := captureJSON(t)
		WithFields(map[string]interface{}{
			"team_id":  "T1",
			"attempts": 2,
		}).Warn("notify retry")

		entry := decode(t, buf)
		assert.Equal(t, "notify retry", entry["msg"])
		assert.Equal(t, "T1", entry["team_id"])
		assert.Equal(t, float64(2), entry["attempts"])
		assert.Equal(t, "warning", entry["level"])
	})

	t.Run("WithError", func(t *testing.T) {
		buf := captureJSON(t)
		WithError(assert.AnError).Error("dispatch failed")

		entry := decode(t, buf)
		assert.Equal(t, assert.AnError.Error(), entry["error"])
	})

	t.Run("Component", func(t *testing.T) {
		buf := captureJSON(t)
		Component("rank").Info("event applied")

		entry := decode(t, buf)
		assert.Equal(t, "rank", entry["component"])
	})
}

func TestWithContext(t *testing.T) {
	t.Run("NoSpan", func(t *testing.T) {
		buf := captureJSON(t)
		WithContext(context.Background()).Info("plain")

		entry := decode(t, buf)
		_, ok := entry["trace_id"]
		assert.False(t, ok)
	})

	t.Run("WithSpan", func(t *testing.T) {
		buf := captureJSON(t)
		traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
		sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: oteltrace.FlagsSampled,
		})
		ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)

		WithContext(ctx).Info("traced")

		entry := decode(t, buf)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
		assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	})
}
