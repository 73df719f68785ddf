package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/loom/internal/config"
	"github.com/pitabwire/loom/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	// Info should be enabled, Debug should not.
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_debugLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "debug"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "bogus"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level (defaults to info)")
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		TenantID:      "tenant-1",
		UserID:        "user-42",
		CorrelationID: "corr-abc",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)
	ctx = WithLogger(ctx, logger)

	rl := RequestLogger(ctx, logger)
	rl.Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	checks := map[string]string{
		"tenant_id":      "tenant-1",
		"user_id":        "user-42",
		"correlation_id": "corr-abc",
		"msg":            "test message",
		"level":          "info",
	}

	for key, want := range checks {
		got, ok := entry[key].(string)
		if !ok {
			t.Errorf("missing field %q in log entry", key)
			continue
		}
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_omitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		TenantID: "tenant-1",
		UserID:   "user-42",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)

	rl := RequestLogger(ctx, logger)
	rl.Info("no trace")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if _, exists := entry["trace_id"]; exists {
		t.Error("trace_id should not be present without an active span")
	}
	if _, exists := entry["correlation_id"]; exists {
		t.Error("correlation_id should not be present when empty")
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rl := RequestLogger(context.Background(), logger)
	rl.Info("no context")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}

	// Should still log, just without context fields.
	if entry["msg"] != "no context" {
		t.Errorf("msg = %q, want no context", entry["msg"])
	}
	if _, exists := entry["tenant_id"]; exists {
		t.Error("tenant_id should not be present without RequestContext")
	}
}

func TestInstanceLogger_addsInstanceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := model.WithTenant(context.Background(), "tenant-9", "user-3")

	InstanceLogger(ctx, logger, "inst-1", "onboarding").Warn("scoped")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	checks := map[string]string{
		"tenant_id":     "tenant-9",
		"user_id":       "user-3",
		"instance_id":   "inst-1",
		"definition_id": "onboarding",
	}
	for key, want := range checks {
		if got := entry[key]; got != want {
			t.Errorf("%s = %v, want %q", key, got, want)
		}
	}
}

func TestInstanceLogger_omitsEmptyDefinition(t *testing.T) {
	var buf bytes.Buffer
	InstanceLogger(context.Background(), newTestLogger(&buf), "inst-1", "").Info("bare")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["instance_id"] != "inst-1" {
		t.Errorf("instance_id = %v, want inst-1", entry["instance_id"])
	}
	if _, exists := entry["definition_id"]; exists {
		t.Error("definition_id should not be present when empty")
	}
}

func TestLoggerFrom_nilFallback(t *testing.T) {
	if LoggerFrom(context.Background(), nil) == nil {
		t.Fatal("LoggerFrom should never return nil")
	}
}

func TestRedact_defaultKeys(t *testing.T) {
	data := map[string]any{
		"applicant": "Ada",
		"Password":  "hunter2",
		"api_key":   "k-123",
		"amount":    float64(250),
	}

	got := Redact(data)
	if got["applicant"] != "Ada" || got["amount"] != float64(250) {
		t.Errorf("plain fields changed: %v", got)
	}
	if got["Password"] != redacted {
		t.Errorf("Password = %v, want %s (keys match case-insensitively)", got["Password"], redacted)
	}
	if got["api_key"] != redacted {
		t.Errorf("api_key = %v, want %s", got["api_key"], redacted)
	}
}

func TestRedact_extraKeys(t *testing.T) {
	got := Redact(map[string]any{"email": "ada@example.com", "phone": "555"}, "Email")
	if got["email"] != redacted {
		t.Errorf("email = %v, want %s", got["email"], redacted)
	}
	if got["phone"] != "555" {
		t.Errorf("phone = %v, want 555", got["phone"])
	}
}

func TestRedact_nestedObjectsAndArrays(t *testing.T) {
	data := map[string]any{
		"task_review": map[string]any{"approved": true, "token": "t-1"},
		"contacts": []any{
			map[string]any{"name": "Ada", "ssn": "123"},
			"plain",
		},
	}

	got := Redact(data)
	review := got["task_review"].(map[string]any)
	if review["token"] != redacted || review["approved"] != true {
		t.Errorf("task_review = %v", review)
	}
	contacts := got["contacts"].([]any)
	first := contacts[0].(map[string]any)
	if first["ssn"] != redacted || first["name"] != "Ada" {
		t.Errorf("contacts[0] = %v", first)
	}
	if contacts[1] != "plain" {
		t.Errorf("contacts[1] = %v, want plain", contacts[1])
	}
}

func TestRedact_doesNotMutateInput(t *testing.T) {
	nested := map[string]any{"secret": "s"}
	data := map[string]any{"password": "p", "inner": nested}

	_ = Redact(data)
	if data["password"] != "p" || nested["secret"] != "s" {
		t.Errorf("input was mutated: %v", data)
	}
	if Redact(nil) != nil {
		t.Error("Redact(nil) should be nil")
	}
}

func TestNewLogger_consoleFormat(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "warn", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should NOT be enabled at warn level")
	}
}

func TestNewLogger_allLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			cfg := config.ObservabilityConfig{LogLevel: level}
			logger, err := NewLogger(cfg)
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", level, err)
			}
			defer logger.Sync()

			expected, _ := zapcore.ParseLevel(level)
			if !logger.Core().Enabled(expected) {
				t.Errorf("level %q should be enabled", level)
			}
		})
	}
}
