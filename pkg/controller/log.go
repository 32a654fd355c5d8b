package controller

import (
	"avaneesh/ddcmp-go/pkg/internal/logger"

	"go.uber.org/zap"
)

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// SetLogLevel replaces the default logger with one at level
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(logger.Level(level)))
}

// EnableFrameDebug enables or disables hex dumps of every frame sent
// and received
func EnableFrameDebug(enable bool) {
	logger.SetFrameDebug(enable)
}

// UseZapLogger routes all logging through an application's zap logger
// at the given level
func UseZapLogger(z *zap.Logger, level LogLevel) {
	l := logger.NewZapLogger(z)
	l.SetLevel(logger.Level(level))
	logger.SetDefault(l)
}

// SyncLog flushes the default logger if it buffers
func SyncLog() error {
	if s, ok := logger.GetDefault().(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// ParseLogLevel converts a level name (debug, info, warn, error)
func ParseLogLevel(name string) (LogLevel, bool) {
	level, ok := logger.ParseLevel(name)
	return LogLevel(level), ok
}
