package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// NewLogger builds a zap logger from the ENV / LOG_LEVEL environment
// variables. "dev" gets a colored console encoder, everything else gets
// production JSON.
func NewLogger() *zap.Logger {
	env := os.Getenv("ENV")

	var config zap.Config
	if env == "dev" || env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.DisableCaller = false
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logLevel)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	return logger
}

// DefaultLogger returns the process-wide logger, building it on first use.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger stored in ctx, falling back to the
// default logger when none is attached.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

// L is shorthand for FromContext.
func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields returns a context whose logger carries the extra fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
