package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relay/pkg/logging"
)

// Logger is the leveled, structured surface the services log through.
// The *wCtx variants stamp the request, message, and conversation ids
// carried in the context (see pkg/logging).
type Logger interface {
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatalf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	DebugwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	InfowCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	ErrorwCtx(ctx context.Context, msg string, keysAndValues ...interface{})

	Sync() error
}

type SugaredLogger struct {
	*zap.SugaredLogger
}

// New builds the process logger. format is "json" (the production
// default) or "console" for local development. The service name is
// attached to every entry.
func New(level, format, service string) (Logger, error) {
	cfg := zap.NewProductionConfig()

	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.Level = parseLevel(level)

	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	sugared := zapLogger.Sugar()
	if service != "" {
		sugared = sugared.With("service_name", service)
	}
	return &SugaredLogger{SugaredLogger: sugared}, nil
}

func parseLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

func (l *SugaredLogger) DebugwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logwCtx(ctx, zapcore.DebugLevel, msg, keysAndValues)
}

func (l *SugaredLogger) InfowCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logwCtx(ctx, zapcore.InfoLevel, msg, keysAndValues)
}

func (l *SugaredLogger) WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logwCtx(ctx, zapcore.WarnLevel, msg, keysAndValues)
}

func (l *SugaredLogger) ErrorwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logwCtx(ctx, zapcore.ErrorLevel, msg, keysAndValues)
}

func (l *SugaredLogger) logwCtx(ctx context.Context, lvl zapcore.Level, msg string, keysAndValues []interface{}) {
	fields := logging.GetLogFields(ctx)
	l.Logw(lvl, msg, append(fields, keysAndValues...)...)
}

// NopLogger discards everything. For tests.
func NopLogger() Logger {
	return &SugaredLogger{SugaredLogger: zap.NewNop().Sugar()}
}
