package logger

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format selects the slog handler used by DefaultLogger
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// DefaultLogger formats printf-style messages and hands them to a slog handler
type DefaultLogger struct {
	level     *slog.LevelVar
	logger    *slog.Logger
	component string
}

// NewDefaultLogger creates a new default logger writing text to stderr
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, FormatText, level)
}

// NewLogger creates a logger writing to w in the given format
func NewLogger(w io.Writer, format Format, level Level) *DefaultLogger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	return &DefaultLogger{
		level:  lv,
		logger: slog.New(h),
	}
}

// WithComponent returns a logger that tags every record with component.
// The level is shared with the parent.
func (l *DefaultLogger) WithComponent(component string) *DefaultLogger {
	return &DefaultLogger{
		level:     l.level,
		logger:    l.logger.With("component", component),
		component: component,
	}
}

func (l *DefaultLogger) log(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// Debug logs debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

// Info logs info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

// Warn logs warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

// Error logs error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

// SetLevel sets the logging level
func (l *DefaultLogger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewDefaultLogger(LevelInfo)

	frameDebug atomic.Bool
)

// SetDefault sets the default logger
func SetDefault(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefault returns the default logger
func GetDefault() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetFrameDebug enables or disables hex dumps of every fragment crossing a channel
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebugEnabled reports whether fragment hex dumps are enabled
func FrameDebugEnabled() bool {
	return frameDebug.Load()
}

// FrameDump logs a hex dump of data at debug level when frame debugging is on.
// direction is a short tag such as "TX" or "RX".
func FrameDump(log Logger, direction string, data []byte) {
	if !frameDebug.Load() || log == nil {
		return
	}
	log.Debug("%s %d bytes\n%s", direction, len(data), hex.Dump(data))
}

// Helper functions using default logger

// Debug logs debug message using default logger
func Debug(format string, args ...interface{}) {
	GetDefault().Debug(format, args...)
}

// Info logs info message using default logger
func Info(format string, args ...interface{}) {
	GetDefault().Info(format, args...)
}

// Warn logs warning message using default logger
func Warn(format string, args ...interface{}) {
	GetDefault().Warn(format, args...)
}

// Error logs error message using default logger
func Error(format string, args ...interface{}) {
	GetDefault().Error(format, args...)
}
