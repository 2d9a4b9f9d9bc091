package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected string
	}{
		{"debug", LogLevelDebug, "DEBUG"},
		{"info", LogLevelInfo, "INFO"},
		{"warn", LogLevelWarn, "WARN"},
		{"error", LogLevelError, "ERROR"},
		{"unknown falls back to info", LogLevel(42), "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
	}{
		{"debug", "debug", LogLevelDebug},
		{"info", "info", LogLevelInfo},
		{"empty defaults to info", "", LogLevelInfo},
		{"warn", "warn", LogLevelWarn},
		{"warning alias", "warning", LogLevelWarn},
		{"error", "error", LogLevelError},
		{"case and whitespace insensitive", " ERROR ", LogLevelError},
		{"unknown defaults to info", "verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogLevel(tt.input))
		})
	}
}

func newBufferLogger(buf *bytes.Buffer, level LogLevel, format string) *ProductionLogger {
	return &ProductionLogger{
		level:       level,
		serviceName: "stepflow",
		component:   "engine/orchestrator",
		format:      format,
		output:      buf,
	}
}

func decodeLogLine(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestProductionLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelDebug, "json")

	logger.Info("Workflow started", map[string]interface{}{
		"operation": "workflow_start",
		"elapsed":   1500 * time.Millisecond,
		"error":     errors.New("partial failure"),
	})

	entry := decodeLogLine(t, buf.Bytes())
	assert.Equal(t, "stepflow", entry["service"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "engine/orchestrator", entry["component"])
	assert.Equal(t, "Workflow started", entry["message"])
	assert.Equal(t, "workflow_start", entry["operation"])

	// Durations and errors are normalized to strings.
	assert.Equal(t, "1.5s", entry["elapsed"])
	assert.Equal(t, "partial failure", entry["error"])

	ts, ok := entry["timestamp"].(string)
	require.True(t, ok, "timestamp should be a string")
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestProductionLogger_PrettyPrint(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelDebug, "json")
	logger.pretty = true

	logger.Info("Pretty output", nil)

	assert.Contains(t, buf.String(), "\n  \"message\"")
	entry := decodeLogLine(t, buf.Bytes())
	assert.Equal(t, "Pretty output", entry["message"])
}

func TestProductionLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelWarn, "json")

	logger.Debug("dropped", nil)
	logger.Info("dropped", nil)
	assert.Zero(t, buf.Len())

	logger.Warn("kept", nil)
	logger.Error("kept", nil)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestProductionLogger_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelDebug, "text")

	logger.Warn("Step retried", map[string]interface{}{
		"step":    "plan",
		"attempt": 2,
	})

	line := buf.String()
	assert.Contains(t, line, " WARN [stepflow] Step retried")
	// Fields are appended in sorted key order.
	assert.Contains(t, line, "attempt=2 step=plan")
	// The component tag exists for JSON aggregation only.
	assert.NotContains(t, line, "engine/orchestrator")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestProductionLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := newBufferLogger(&buf, LogLevelDebug, "json")

	child := base.WithComponent("engine/monitor")
	child.Info("Scan finished", nil)

	entry := decodeLogLine(t, buf.Bytes())
	assert.Equal(t, "engine/monitor", entry["component"])
	assert.Equal(t, "engine/orchestrator", base.component)
}

func TestProductionLogger_TraceContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelDebug, "json")

	logger.InfoWithContext(ctx, "Step finished", map[string]interface{}{"step": "plan"})

	entry := decodeLogLine(t, buf.Bytes())
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", entry["trace_id"])
	assert.Equal(t, "b7ad6b7169203331", entry["span_id"])
	assert.Equal(t, "plan", entry["step"])

	// Without an active span the fields stay untouched.
	buf.Reset()
	logger.InfoWithContext(context.Background(), "Step finished", nil)

	entry = decodeLogLine(t, buf.Bytes())
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestNewProductionLogger_Defaults(t *testing.T) {
	logger := NewProductionLogger(LoggingConfig{}, DevelopmentConfig{}, "stepflow")
	pl, ok := logger.(*ProductionLogger)
	require.True(t, ok)

	assert.Equal(t, LogLevelInfo, pl.level)
	assert.Equal(t, "json", pl.format)
	assert.Equal(t, "framework/core", pl.component)
	assert.True(t, pl.metricsEnabled)
}

func TestNewProductionLogger_DevelopmentMode(t *testing.T) {
	pl := NewProductionLogger(LoggingConfig{}, DevelopmentConfig{Enabled: true}, "stepflow").(*ProductionLogger)
	assert.Equal(t, "text", pl.format)
	assert.False(t, pl.metricsEnabled)

	// An explicit format wins over the development default.
	pl = NewProductionLogger(LoggingConfig{Format: "json"}, DevelopmentConfig{Enabled: true}, "stepflow").(*ProductionLogger)
	assert.Equal(t, "json", pl.format)
}

func TestNewProductionLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.log")
	logger := NewProductionLogger(LoggingConfig{Level: "debug", Output: path}, DevelopmentConfig{}, "stepflow")

	logger.Info("File sink works", map[string]interface{}{"operation": "logger_init"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	entry := decodeLogLine(t, data)
	assert.Equal(t, "File sink works", entry["message"])
	assert.Equal(t, "logger_init", entry["operation"])
}

func TestNewDevelopmentLogger(t *testing.T) {
	pl, ok := NewDevelopmentLogger("stepflow").(*ProductionLogger)
	require.True(t, ok)

	assert.Equal(t, LogLevelDebug, pl.level)
	assert.Equal(t, "text", pl.format)
}

func TestCreateComponentLogger(t *testing.T) {
	t.Run("nil base falls back to noop", func(t *testing.T) {
		assert.IsType(t, &NoOpLogger{}, createComponentLogger(nil, "engine/scheduler"))
	})

	t.Run("component aware base is rescoped", func(t *testing.T) {
		var buf bytes.Buffer
		base := newBufferLogger(&buf, LogLevelDebug, "json")

		scoped := createComponentLogger(base, "engine/scheduler")
		scoped.Info("Scheduling pass", nil)

		entry := decodeLogLine(t, buf.Bytes())
		assert.Equal(t, "engine/scheduler", entry["component"])
	})

	t.Run("plain loggers pass through", func(t *testing.T) {
		base := &NoOpLogger{}
		assert.Same(t, base, createComponentLogger(base, "engine/scheduler"))
	})
}

func TestLogCounts(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LogLevelDebug, "json")
	logger.metricsEnabled = true

	before := LogCounts()["INFO"]
	logger.Info("one", nil)
	logger.Info("two", nil)
	logger.Info("three", nil)
	after := LogCounts()["INFO"]

	assert.Equal(t, before+3, after)

	// The snapshot is a copy; mutating it must not affect the counters.
	snapshot := LogCounts()
	snapshot["INFO"] = 0
	assert.Equal(t, after, LogCounts()["INFO"])
}
