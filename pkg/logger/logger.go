// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey — тип ключа для context.Value, чтобы избежать коллизий.
type contextKey string

const (
	// TraceIDKey используется для хранения trace ID в контексте.
	TraceIDKey contextKey = "trace_id"
	// RequestIDKey используется для хранения request ID в контексте.
	RequestIDKey contextKey = "request_id"
)

// Config — параметры создания логгера.
type Config struct {
	Level   string // "debug", "info", "warn", "error"
	DevMode bool   // true → development-конфигурация zap
}

// Logger оборачивает *zap.Logger.
type Logger struct {
	raw *zap.Logger
}

// Nop возвращает логгер, который ничего не пишет. Удобен в тестах.
func Nop() *Logger { return &Logger{raw: zap.NewNop()} }

// New создаёт Logger с заданным уровнем и режимом.
// При завершении работы приложения обязательно вызовите logger.Sync().
func New(cfg Config) (*Logger, error) {
	zapCfg := buildZapConfig(cfg.DevMode)
	if err := setZapLevel(&zapCfg, cfg.Level); err != nil {
		return nil, err
	}
	zl, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{raw: zl}, nil
}

// buildZapConfig возвращает базовый zap.Config для dev или prod.
func buildZapConfig(dev bool) zap.Config {
	if dev {
		return zap.NewDevelopmentConfig()
	}
	prod := zap.NewProductionConfig()
	// семплирование: после первых 100 записей — 1 из 100
	prod.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	ec := &prod.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.StacktraceKey = "stacktrace"
	return prod
}

// setZapLevel разбирает и применяет уровень логирования.
func setZapLevel(cfg *zap.Config, level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return nil
}

// Sync сбрасывает буферизированные записи. Вызывать перед выходом.
func (l *Logger) Sync() {
	_ = l.raw.Sync()
}

// Named создаёт новый логгер с namespace-приставкой.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name)}
}

// Sugar возвращает *zap.SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.raw.Sugar()
}

// Info пишет сообщение уровня InfoLevel.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.raw.Info(msg, fields...) }

// Warn пишет сообщение уровня WarnLevel.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.raw.Warn(msg, fields...) }

// Error пишет сообщение уровня ErrorLevel.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// Debug пишет сообщение уровня DebugLevel.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }

// WithContext возвращает *zap.Logger с полями trace_id и request_id,
// если они присутствуют в ctx.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if tid, ok := ctx.Value(TraceIDKey).(string); ok {
		fields = append(fields, zap.String("trace_id", tid))
	}
	if rid, ok := ctx.Value(RequestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", rid))
	}
	if len(fields) > 0 {
		return l.raw.With(fields...)
	}
	return l.raw
}

// ContextWithTraceID возвращает новый контекст с заданным trace ID.
func ContextWithTraceID(ctx context.Context, tid string) context.Context {
	return context.WithValue(ctx, TraceIDKey, tid)
}

// ContextWithRequestID возвращает новый контекст с заданным request ID.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, RequestIDKey, rid)
}
