package pkg

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge component identifiers.
const (
	ComponentBridge    Component = "bridge"
	ComponentRegistry  Component = "registry"
	ComponentComposite Component = "composite"
	ComponentStack     Component = "stack"
	ComponentTransport Component = "transport"
	ComponentUART      Component = "uart"
	ComponentConfig    Component = "config"
	ComponentMetrics   Component = "metrics"
	ComponentProbe     Component = "probe"
	ComponentProf      Component = "prof"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

// ParseLogFormat maps "text" or "json" (case-insensitive) to a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return LogFormatText, fmt.Errorf("log format %q: %w", s, ErrInvalidParameter)
	}
}

// ParseLogLevel maps a level name (debug, info, warn, error) to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn, fmt.Errorf("log level %q: %w", s, ErrInvalidParameter)
	}
	return level, nil
}

var (
	// DefaultLogger is the default logger used by the bridge.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logOutput is where SetLogFormat sends log records.
	logOutput io.Writer = os.Stderr

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum log level for all bridge logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogOutput redirects the default logger to w, keeping the format
// selected by the most recent SetLogFormat call (text if none).
func SetLogOutput(w io.Writer, format LogFormat) {
	logMutex.Lock()
	logOutput = w
	logMutex.Unlock()
	SetLogFormat(format)
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to the current log output and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(logOutput, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(logOutput, opts))
	}
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logger().Debug(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logger().Info(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logger().Warn(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logger().Error(msg, append([]any{"component", string(component)}, args...)...)
}
