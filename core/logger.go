package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel controls which log lines are emitted.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the upper-case level name used in log output.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "info", "":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LoggingConfig configures the production logger.
type LoggingConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output string // stdout | stderr | file path
}

// DevelopmentConfig tweaks logging for local development.
type DevelopmentConfig struct {
	Enabled     bool
	PrettyPrint bool
}

// ProductionLogger is the default Logger implementation: leveled, structured,
// JSON for aggregation or text for local reading. WithComponent mints child
// loggers that share configuration but tag a different component, so log
// streams can be filtered per subsystem.
type ProductionLogger struct {
	level          LogLevel
	serviceName    string
	component      string
	format         string
	output         io.Writer
	metricsEnabled bool
	pretty         bool
	mu             sync.Mutex
}

// NewProductionLogger creates a logger from configuration. Output "stdout"
// and "stderr" map to the process streams; anything else is treated as a
// file path opened in append mode (falling back to stdout on error).
func NewProductionLogger(cfg LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			out = os.Stdout
		} else {
			out = f
		}
	}

	format := cfg.Format
	if format == "" {
		format = "json"
	}
	if dev.Enabled && cfg.Format == "" {
		format = "text"
	}

	return &ProductionLogger{
		level:          ParseLogLevel(cfg.Level),
		serviceName:    serviceName,
		component:      "framework/core",
		format:         format,
		output:         out,
		metricsEnabled: !dev.Enabled,
		pretty:         dev.PrettyPrint,
	}
}

// NewDevelopmentLogger creates a human-readable text logger at debug level.
func NewDevelopmentLogger(serviceName string) Logger {
	return &ProductionLogger{
		level:       LogLevelDebug,
		serviceName: serviceName,
		component:   "framework/core",
		format:      "text",
		output:      os.Stdout,
	}
}

// WithComponent returns a copy of the logger tagged with a new component.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:          l.level,
		serviceName:    l.serviceName,
		component:      component,
		format:         l.format,
		output:         l.output,
		metricsEnabled: l.metricsEnabled,
		pretty:         l.pretty,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	if l.metricsEnabled {
		countLogLine(level)
	}

	if l.format == "text" {
		l.writeText(level, msg, fields)
		return
	}
	l.writeJSON(level, msg, fields)
}

// writeJSON emits one JSON object per line. User fields are flattened into
// the entry; reserved keys keep their structural meaning.
func (l *ProductionLogger) writeJSON(level LogLevel, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		entry[k] = normalizeFieldValue(v)
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["service"] = l.serviceName
	entry["level"] = level.String()
	entry["component"] = l.component
	entry["message"] = msg

	var data []byte
	var err error
	if l.pretty {
		data, err = json.MarshalIndent(entry, "", "  ")
	} else {
		data, err = json.Marshal(entry)
	}
	if err != nil {
		// Fall back to a minimal line rather than dropping the message.
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`,
			level.String(), msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(append(data, '\n'))
}

// writeText emits a human-readable line for local development. The component
// field is omitted here; it exists for JSON log aggregation.
func (l *ProductionLogger) writeText(level LogLevel, msg string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(" ")
	b.WriteString(level.String())
	b.WriteString(" [")
	b.WriteString(l.serviceName)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprintf("%v", normalizeFieldValue(fields[k])))
		}
	}
	b.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(b.String()))
}

// normalizeFieldValue makes non-serializable values loggable.
func normalizeFieldValue(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	default:
		return v
	}
}

// withTraceFields adds trace_id/span_id from the active span, when present.
func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = sc.TraceID().String()
	out["span_id"] = sc.SpanID().String()
	return out
}

// createComponentLogger upgrades a base logger to a component-scoped one when
// the implementation supports it; otherwise the base logger is returned as-is.
func createComponentLogger(base Logger, component string) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}

// Log line counters, populated when metrics are enabled. Exposed through
// LogCounts for health endpoints.
var logCountMu sync.Mutex
var logCounts = make(map[string]uint64)

func countLogLine(level LogLevel) {
	logCountMu.Lock()
	logCounts[level.String()]++
	logCountMu.Unlock()
}

// LogCounts returns a snapshot of emitted log line counts by level.
func LogCounts() map[string]uint64 {
	logCountMu.Lock()
	defer logCountMu.Unlock()
	out := make(map[string]uint64, len(logCounts))
	for k, v := range logCounts {
		out[k] = v
	}
	return out
}

// Compile-time interface checks
var (
	_ Logger               = (*ProductionLogger)(nil)
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
)
