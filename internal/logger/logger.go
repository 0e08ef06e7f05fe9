package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Log levels
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	slogLevels = map[int]slog.Level{
		LevelDebug: slog.LevelDebug,
		LevelInfo:  slog.LevelInfo,
		LevelWarn:  slog.LevelWarn,
		LevelError: slog.LevelError,
	}

	// Default to INFO in production, DEBUG in development
	minLevel atomic.Int32

	handlerLevel = new(slog.LevelVar)
)

// Logger tags every record with the component that produced it
type Logger struct {
	component string
}

func init() {
	if IsDevelopment() {
		SetMinLevel(LevelDebug)
	} else {
		SetMinLevel(LevelInfo)
	}
	Init(os.Stdout)
}

// Init points the default slog handler at w. Development gets a text
// handler, everything else JSON.
func Init(w io.Writer) {
	opts := &slog.HandlerOptions{Level: handlerLevel}
	var h slog.Handler
	if IsDevelopment() {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// New creates a new logger for a specific component
func New(component string) *Logger {
	return &Logger{component: component}
}

// SetMinLevel allows changing the minimum log level at runtime
func SetMinLevel(level int) {
	minLevel.Store(int32(level))
	handlerLevel.Set(slogLevels[level])
}

func (l *Logger) logf(level int, format string, args ...interface{}) {
	if int32(level) < minLevel.Load() {
		return
	}
	slog.Default().Log(context.Background(), slogLevels[level], fmt.Sprintf(format, args...),
		slog.String("component", l.component))
}

// Debug logs debug information
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

// Info logs information messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "development"
	}
	return env
}

// IsDevelopment returns true if the current environment is development
func IsDevelopment() bool {
	return GetAppEnv() == "development"
}
