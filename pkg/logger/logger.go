// Package logger provides structured logging for the fulfilment processes.
//
// Records written through the *Context methods carry the trace and span ids
// of the active span and every attribute attached with ContextWith, so a saga
// id set once at the top of an execution shows up on every step log below it.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level represents logging levels.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "unknown"
	}
	return levelNames[l]
}

func (l Level) toSlog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ParseLevel maps a config value to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	if s == "warning" {
		return WarnLevel
	}
	for i, name := range levelNames {
		if name == s {
			return Level(i)
		}
	}
	return InfoLevel
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or a file path
}

// Logger is the logging surface every component receives.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the log file, if the logger owns one.
	Close() error
}

// SlogLogger implements Logger on log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New creates a Logger writing to cfg.Output. An output file that cannot be
// opened falls back to stdout.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}
	w, closer := getWriter(cfg.Output)
	return build(cfg, w, closer)
}

// NewWithWriter creates a Logger writing to w. cfg.Output is ignored.
func NewWithWriter(cfg *Config, w io.Writer) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json"}
	}
	return build(cfg, w, nil)
}

// Discard returns a Logger that drops every record.
func Discard() Logger {
	return build(&Config{Level: ErrorLevel, Format: "text"}, io.Discard, nil)
}

func build(cfg *Config, w io.Writer, closer io.Closer) *SlogLogger {
	level := new(slog.LevelVar)
	level.Set(cfg.Level.toSlog())

	opts := &slog.HandlerOptions{Level: level, AddSource: true, ReplaceAttr: renameKeys}
	var base slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}

	return &SlogLogger{
		logger: slog.New(contextHandler{base}),
		level:  level,
		closer: closer,
	}
}

func getWriter(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, nil
	}
	return f, f
}

// renameKeys writes the record text under "message".
func renameKeys(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		a.Key = "message"
	}
	return a
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *SlogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *SlogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *SlogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a child logger. The child shares the level but never owns the
// output file.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...), level: l.level}
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(level.toSlog())
}

func (l *SlogLogger) GetLevel() Level {
	switch lvl := l.level.Level(); {
	case lvl <= slog.LevelDebug:
		return DebugLevel
	case lvl <= slog.LevelInfo:
		return InfoLevel
	case lvl <= slog.LevelWarn:
		return WarnLevel
	}
	return ErrorLevel
}

func (l *SlogLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type holder struct{ l Logger }

var global atomic.Value

func init() {
	SetGlobal(New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"}))
}

// Global returns the process-wide logger.
func Global() Logger {
	return global.Load().(holder).l
}

// SetGlobal replaces the process-wide logger. Nil is ignored.
func SetGlobal(l Logger) {
	if l != nil {
		global.Store(holder{l: l})
	}
}

// SetLevel sets the level of the process-wide logger.
func SetLevel(level Level) { Global().SetLevel(level) }

func Debug(msg string, args ...any) { Global().Debug(msg, args...) }
func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }
