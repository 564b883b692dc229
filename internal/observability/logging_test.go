package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openattest/certflow/internal/config"
	"github.com/openattest/certflow/model"
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

func TestNewLogger_levels(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}

	debug, err := NewLogger(config.ObservabilityConfig{LogLevel: "debug"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer debug.Sync()
	if !debug.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewLogger_invalidLevelDefaultsToInfo(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "bogus"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level")
	}
}

func TestWithLoggerAndLoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	if got := LoggerFrom(ctx, nil); got != logger {
		t.Error("LoggerFrom did not return the stored logger")
	}

	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom did not return the fallback")
	}
}

func TestRequestLogger_enrichesActorAndFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = model.WithActor(ctx, model.Actor{ID: "user-alice", Role: model.RoleCustomer})

	RequestLogger(ctx, zap.NewNop()).Info("transition applied")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["actor_id"] != "user-alice" {
		t.Errorf("actor_id = %v", entry["actor_id"])
	}
	if entry["actor_role"] != model.RoleCustomer {
		t.Errorf("actor_role = %v", entry["actor_role"])
	}

	// Without an actor or stored logger, the fallback is returned as-is.
	if got := RequestLogger(context.Background(), logger); got != logger {
		t.Error("expected fallback logger for bare context")
	}
}

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"company":  "Acme",
		"password": "hunter2",
		"token":    "abc123",
		"nested": map[string]any{
			"api_key": "secret",
			"city":    "Nairobi",
		},
	}

	got := RedactBody(body, []string{"company"})

	if got["password"] != "[REDACTED]" || got["token"] != "[REDACTED]" {
		t.Errorf("default sensitive fields not redacted: %v", got)
	}
	if got["company"] != "[REDACTED]" {
		t.Errorf("caller-specified field not redacted: %v", got["company"])
	}
	nested := got["nested"].(map[string]any)
	if nested["api_key"] != "[REDACTED]" {
		t.Errorf("nested sensitive field not redacted: %v", nested)
	}
	if nested["city"] != "Nairobi" {
		t.Errorf("non-sensitive nested field changed: %v", nested["city"])
	}

	// The input map is not mutated.
	if body["password"] != "hunter2" {
		t.Error("RedactBody mutated its input")
	}

	if RedactBody(nil, nil) != nil {
		t.Error("RedactBody(nil) should be nil")
	}
}
