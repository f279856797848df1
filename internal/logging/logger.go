// Package logging wraps zerolog in the small structured-field surface the
// rest of the engine depends on, so call sites look the same regardless of
// which logging library backs them.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const loggerContextKey = contextKey("worldstate-logger")

var (
	globalMu     sync.RWMutex
	globalLogger = New(Config{Level: "info"})
)

// Config controls process-wide logger construction.
type Config struct {
	Level  string
	Writer io.Writer
}

// Field represents a single structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field  { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field     { return Field{Key: key, Value: value} }
func Error(err error) Field                 { return Field{Key: "error", Value: err} }
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d}
}

// Logger emits structured JSON logs via zerolog.
type Logger struct {
	zl zerolog.Logger
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "info", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// New constructs a Logger writing JSON to cfg.Writer (stdout by default).
func New(cfg Config) *Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	zl := zerolog.New(writer).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// L returns the process-wide default logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetDefault installs logger as the process-wide default.
func SetDefault(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// With returns a child logger carrying the supplied fields on every entry.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L()
	}
	ctx := l.zl.With()
	ctx = applyFields(ctx, fields)
	return &Logger{zl: ctx.Logger()}
}

func applyFields(ctx zerolog.Context, fields []Field) zerolog.Context {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ctx = ctx.AnErr(f.Key, v)
		case string:
			ctx = ctx.Str(f.Key, v)
		case int:
			ctx = ctx.Int(f.Key, v)
		case int64:
			ctx = ctx.Int64(f.Key, v)
		case uint64:
			ctx = ctx.Uint64(f.Key, v)
		case bool:
			ctx = ctx.Bool(f.Key, v)
		case time.Duration:
			ctx = ctx.Dur(f.Key, v)
		default:
			ctx = ctx.Interface(f.Key, v)
		}
	}
	return ctx
}

func (l *Logger) event(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			e = e.AnErr(f.Key, v)
		case string:
			e = e.Str(f.Key, v)
		case int:
			e = e.Int(f.Key, v)
		case int64:
			e = e.Int64(f.Key, v)
		case uint64:
			e = e.Uint64(f.Key, v)
		case bool:
			e = e.Bool(f.Key, v)
		case time.Duration:
			e = e.Dur(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...Field) {
	if l == nil {
		l = L()
	}
	l.event(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...Field) {
	if l == nil {
		l = L()
	}
	l.event(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	if l == nil {
		l = L()
	}
	l.event(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	if l == nil {
		l = L()
	}
	l.event(l.zl.Error(), msg, fields)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	if l == nil {
		l = L()
	}
	l.event(l.zl.Fatal(), msg, fields)
}

// WithContext attaches logger to ctx for later retrieval via FromContext.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext returns the logger stashed in ctx, or the process default.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}
