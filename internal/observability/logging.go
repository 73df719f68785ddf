package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/loom/internal/config"
	"github.com/pitabwire/loom/model"
)

type loggerKey struct{}

// NewLogger builds the daemon logger. Every entry carries the service name
// and build version.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, unhandled panics), failed worker cycles
//   - warn:  Dispatch failures, outbox give-ups, lost races, open circuits
//   - info:  Workflow starts and status changes, worker cycles that did work, definition seeding
//   - debug: Node transitions, cache operations, action request details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	encoding := cfg.LogFormat
	if encoding == "" {
		encoding = "json"
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	if encoding == "console" {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "loomd",
			"version": Version,
		},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// actor, correlation id and trace id. Fields absent from ctx are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("tenant_id", rctx.TenantID),
			zap.String("user_id", rctx.ActorID()),
		)
		if rctx.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
		}
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// InstanceLogger is RequestLogger scoped to one workflow instance.
func InstanceLogger(ctx context.Context, fallback *zap.Logger, instanceID, definitionID string) *zap.Logger {
	fields := []zap.Field{zap.String("instance_id", instanceID)}
	if definitionID != "" {
		fields = append(fields, zap.String("definition_id", definitionID))
	}
	return RequestLogger(ctx, fallback).With(fields...)
}

// redacted replaces the value of a sensitive key.
const redacted = "[REDACTED]"

var defaultSensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"authorization",
	"credit_card",
	"iban",
	"ssn",
}

// Redact returns a copy of data with the values of sensitive keys replaced.
// Keys match case-insensitively against the defaults plus extra; nested
// objects and arrays of objects are redacted too. data is never modified.
func Redact(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	keys := make(map[string]bool, len(defaultSensitiveKeys)+len(extra))
	for _, k := range defaultSensitiveKeys {
		keys[k] = true
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = true
	}
	return redactMap(data, keys)
}

func redactMap(data map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, keys)
		}
		return items
	default:
		return v
	}
}
