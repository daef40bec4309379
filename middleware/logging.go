// Package middleware provides the middlewares applied to every upstream engine call
package middleware

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/tataru-assistant/tataru"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger      *zap.Logger
	Level       zapcore.Level
	LogText     bool
	ExtraFields map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithLevel sets the level of successful call logs
func WithLevel(level zapcore.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithText enables logging of source and translated text
func WithText() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogText = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging creates a logging middleware with the provided options
func Logging(opts ...LoggingOption) tataru.Middleware {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
		Level:  zapcore.DebugLevel,
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		start := time.Now()

		fields := []zap.Field{
			zap.String("engine", req.Engine),
			zap.String("from", req.From),
			zap.String("to", req.To),
			zap.String("type", string(req.Type)),
			zap.Int("chars", utf8.RuneCountInString(req.Text)),
		}
		for k, v := range config.ExtraFields {
			fields = append(fields, zap.Any(k, v))
		}
		if config.LogText {
			fields = append(fields, zap.String("text", req.Text))
		}

		if ce := config.Logger.Check(config.Level, "engine call started"); ce != nil {
			ce.Write(fields...)
		}

		out, err := next(ctx, req)

		duration := time.Since(start)
		fields = append(fields,
			zap.Duration("duration", duration),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)

		if err != nil {
			st := status.Convert(err)
			fields = append(fields,
				zap.String("code", st.Code().String()),
				zap.String("error", st.Message()),
			)

			switch st.Code() {
			case codes.Internal, codes.Unknown, codes.DataLoss:
				config.Logger.Error("engine call failed", fields...)
			case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
				config.Logger.Warn("engine call rejected", fields...)
			default:
				config.Logger.Info("engine call completed with error", fields...)
			}
			return out, err
		}

		fields = append(fields, zap.String("code", codes.OK.String()))
		if config.LogText {
			fields = append(fields, zap.String("translation", out))
		}
		if ce := config.Logger.Check(config.Level, "engine call completed"); ce != nil {
			ce.Write(fields...)
		}

		return out, nil
	}
}

// PerformanceLog warns about engine calls slower than threshold
func PerformanceLog(logger *zap.Logger, threshold time.Duration) tataru.Middleware {
	return func(ctx context.Context, req *tataru.Request, next tataru.Handler) (string, error) {
		start := time.Now()

		out, err := next(ctx, req)

		if duration := time.Since(start); duration > threshold {
			logger.Warn("slow engine call detected",
				zap.String("engine", req.Engine),
				zap.Duration("duration", duration),
				zap.Duration("threshold", threshold),
			)
		}

		return out, err
	}
}
