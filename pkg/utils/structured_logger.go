package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// Fields is a set of structured logging fields.
type Fields map[string]interface{}

// LogEntry represents a complete log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// StructuredLogger provides structured logging with levels and fields.
// Loggers derived with WithField share the parent's output and lock.
type StructuredLogger struct {
	shared        *loggerShared
	contextFields map[string]interface{}
}

type loggerShared struct {
	mu              sync.RWMutex
	level           LogLevel
	output          io.Writer
	format          LogFormat
	includeCaller   bool
	includeStack    bool
	componentLevels map[string]LogLevel
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	IncludeStack  bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: true,
		IncludeStack:  false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) *StructuredLogger {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	return &StructuredLogger{
		shared: &loggerShared{
			level:           config.Level,
			output:          output,
			format:          config.Format,
			includeCaller:   config.IncludeCaller,
			includeStack:    config.IncludeStack,
			componentLevels: make(map[string]LogLevel),
		},
		contextFields: make(map[string]interface{}),
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	return NewStructuredLogger(&StructuredLoggerConfig{Level: FATAL + 1, Output: io.Discard})
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(Fields{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields Fields) *StructuredLogger {
	newFields := make(map[string]interface{}, len(sl.contextFields)+len(fields))
	for k, v := range sl.contextFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &StructuredLogger{
		shared:        sl.shared,
		contextFields: newFields,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.shared.mu.Lock()
	defer sl.shared.mu.Unlock()
	sl.shared.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.shared.mu.Lock()
	defer sl.shared.mu.Unlock()
	sl.shared.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.shared.mu.RLock()
	defer sl.shared.mu.RUnlock()
	return sl.shared.level
}

// isEnabled checks if a log level is enabled for the current component
func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.shared.mu.RLock()
	defer sl.shared.mu.RUnlock()

	if component, ok := sl.contextFields["component"].(string); ok {
		if compLevel, exists := sl.shared.componentLevels[component]; exists {
			return level >= compLevel
		}
	}
	return level >= sl.shared.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}, len(sl.contextFields)+len(fields)),
	}
	for k, v := range sl.contextFields {
		entry.Fields[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Fields[k] = v
	}

	if sl.shared.includeCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	if sl.shared.includeStack && level >= ERROR {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		entry.Stack = string(buf[:n])
	}

	var output string
	if sl.shared.format == FormatJSON {
		jsonBytes, err := json.Marshal(entry)
		if err != nil {
			output = formatText(entry)
		} else {
			output = string(jsonBytes) + "\n"
		}
	} else {
		output = formatText(entry)
	}

	sl.shared.mu.Lock()
	defer sl.shared.mu.Unlock()
	_, _ = io.WriteString(sl.shared.output, output)
}

// formatText formats a log entry as human-readable text. Fields are sorted
// so lines are stable.
func formatText(entry LogEntry) string {
	var sb strings.Builder

	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")

	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}

	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", entry.Fields[k]))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")

	if entry.Stack != "" {
		sb.WriteString("Stack trace:\n")
		sb.WriteString(entry.Stack)
		sb.WriteString("\n")
	}

	return sb.String()
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...Fields) {
	sl.logWithFields(TRACE, message, fields...)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...Fields) {
	sl.logWithFields(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...Fields) {
	sl.logWithFields(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...Fields) {
	sl.logWithFields(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...Fields) {
	sl.logWithFields(ERROR, message, fields...)
}

// Fatal logs a fatal message and exits
func (sl *StructuredLogger) Fatal(message string, fields ...Fields) {
	sl.logWithFields(FATAL, message, fields...)
	os.Exit(1)
}

func (sl *StructuredLogger) logWithFields(level LogLevel, message string, fieldMaps ...Fields) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = fieldMaps[0]
	}
	sl.log(level, message, fields)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.logf(DEBUG, format, args...)
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.logf(INFO, format, args...)
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.logf(WARN, format, args...)
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.logf(ERROR, format, args...)
}

func (sl *StructuredLogger) logf(level LogLevel, format string, args ...interface{}) {
	sl.log(level, fmt.Sprintf(format, args...), nil)
}
