package channel

import (
	"io"

	"avaneesh/mbim-go/pkg/internal/logger"
)

// Logger is the printf-style logger accepted by channels, endpoints and bridges
type Logger = logger.Logger

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// NewLogger creates a logger writing text, or JSON when json is set, to w
// with every record tagged by component.
func NewLogger(w io.Writer, json bool, level LogLevel, component string) Logger {
	format := logger.FormatText
	if json {
		format = logger.FormatJSON
	}
	return logger.NewLogger(w, format, logger.Level(level)).WithComponent(component)
}

// SetLogLevel sets the global logging level
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(logger.Level(level)))
}

// DefaultLogger returns the global logger
func DefaultLogger() Logger {
	return logger.GetDefault()
}

// EnableFrameDebug enables or disables detailed frame debugging
// When enabled, shows hex dumps of all MBIM fragments sent and received
func EnableFrameDebug(enable bool) {
	logger.SetFrameDebug(enable)
}
