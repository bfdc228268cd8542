// Package logger provides a zap-based application logger.
package logger

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the minimum severity a Logger writes.
type Level int8

// Supported levels.
const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// TraceIDFn extracts a trace id from a context. It may return "".
type TraceIDFn func(ctx context.Context) string

// Logger writes structured JSON records tagged with the service name and,
// when available, the trace id of the request context.
type Logger struct {
	sugar   *zap.SugaredLogger
	traceID TraceIDFn
}

// New builds a Logger that writes JSON to w.
func New(w io.Writer, level Level, service string, traceID TraceIDFn) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(w),
		zapcore.Level(level),
	)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(zap.String("service", service))
	return &Logger{sugar: l.Sugar(), traceID: traceID}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, kv ...any) {
	l.write(ctx, zapcore.DebugLevel, msg, kv)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, kv ...any) {
	l.write(ctx, zapcore.InfoLevel, msg, kv)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, kv ...any) {
	l.write(ctx, zapcore.WarnLevel, msg, kv)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, kv ...any) {
	l.write(ctx, zapcore.ErrorLevel, msg, kv)
}

// Sync flushes buffered records.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, kv []any) {
	s := l.sugar
	if l.traceID != nil && ctx != nil {
		if id := l.traceID(ctx); id != "" {
			s = s.With("trace_id", id)
		}
	}
	s.Logw(lvl, msg, kv...)
}
