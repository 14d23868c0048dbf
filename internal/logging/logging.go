// Package logging wraps log/slog for the scanfleet daemon and CLI. Every
// record carries a component field; scheduler, planner, database and daemon
// code use the matching helpers so operators can filter on it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel is a configured level name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config is the logging section of the configuration file. Output is stdout,
// stderr or a file path.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig logs text at info level to stdout.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: FormatText, Output: "stdout"}
}

// Logger is a slog.Logger whose level can be raised to debug at runtime.
// Loggers derived with With* share the level of their parent.
type Logger struct {
	*slog.Logger
	level      *slog.LevelVar
	configured slog.Level
}

// New builds a logger writing to cfg.Output, creating the log directory
// when the output is a file.
func New(cfg Config) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(cfg, w), nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), logDirPerm); err != nil {
		return nil, err
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
}

// NewWithWriter builds a logger on an already open writer.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	configured := parseLevel(cfg.Level)
	level := new(slog.LevelVar)
	level.Set(configured)

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler), level: level, configured: configured}
}

// parseLevel accepts the slog level names in any case plus "warning".
// Anything else means info.
func parseLevel(name LogLevel) slog.Level {
	text := strings.ToLower(strings.TrimSpace(string(name)))
	if text == "warning" {
		text = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewDefault returns a logger for DefaultConfig.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stdout)
}

// WithFields returns a child logger carrying fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...), level: l.level, configured: l.configured}
}

// WithComponent tags every record with component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithQueue tags every record with a queue name.
func (l *Logger) WithQueue(queue string) *Logger {
	return l.WithFields("queue", queue)
}

// WithError tags every record with err.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// SetDebug toggles debug output for l and every logger derived from it.
// Turning it off restores the configured level.
func (l *Logger) SetDebug(on bool) {
	if l.level == nil {
		return
	}
	if on {
		l.level.Set(slog.LevelDebug)
		return
	}
	l.level.Set(l.configured)
}

func (l *Logger) emit(level slog.Level, component, msg string, lead []any, fields []any) {
	args := make([]any, 0, 2+len(lead)+len(fields))
	args = append(args, "component", component)
	args = append(args, lead...)
	l.Log(context.Background(), level, msg, append(args, fields...)...)
}

// InfoScheduler logs for the scheduler component.
func (l *Logger) InfoScheduler(msg string, fields ...any) {
	l.emit(slog.LevelInfo, "scheduler", msg, nil, fields)
}

// ErrorScheduler logs a scheduler failure.
func (l *Logger) ErrorScheduler(msg string, err error, fields ...any) {
	l.emit(slog.LevelError, "scheduler", msg, []any{"error", err}, fields)
}

// InfoPlanner logs for a planner stage.
func (l *Logger) InfoPlanner(msg, stage string, fields ...any) {
	l.emit(slog.LevelInfo, "planner", msg, []any{"stage", stage}, fields)
}

// ErrorPlanner logs a planner stage failure.
func (l *Logger) ErrorPlanner(msg, stage string, err error, fields ...any) {
	l.emit(slog.LevelError, "planner", msg, []any{"stage", stage, "error", err}, fields)
}

// InfoDatabase logs for the database component.
func (l *Logger) InfoDatabase(msg string, fields ...any) {
	l.emit(slog.LevelInfo, "database", msg, nil, fields)
}

// InfoDaemon logs for the daemon component.
func (l *Logger) InfoDaemon(msg string, fields ...any) {
	l.emit(slog.LevelInfo, "daemon", msg, nil, fields)
}

// ErrorDaemon logs a daemon failure.
func (l *Logger) ErrorDaemon(msg string, err error, fields ...any) {
	l.emit(slog.LevelError, "daemon", msg, []any{"error", err}, fields)
}

var defaultLogger = NewDefault()

// SetDefault replaces the process wide logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the process wide logger.
func Default() *Logger {
	return defaultLogger
}

// Debug logs through the process wide logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Warn logs through the process wide logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}
