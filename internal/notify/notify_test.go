package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func TestDeliver_inOrder(t *testing.T) {
	var kinds []string
	n := Func(func(_ context.Context, n Notification) error {
		kinds = append(kinds, n.Kind)
		return nil
	})

	Deliver(context.Background(), n, nil,
		Notification{Kind: KindTaskCompleted},
		Notification{Kind: KindInstanceCompleted},
	)

	if strings.Join(kinds, ",") != "task.completed,instance.completed" {
		t.Errorf("delivered = %v", kinds)
	}
}

func TestDeliver_swallowsErrorsAndPanics(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	n := Func(func(_ context.Context, n Notification) error {
		calls++
		if n.Kind == KindTaskCreated {
			panic("boom")
		}
		return errors.New("unreachable sink")
	})

	Deliver(context.Background(), n, bufferLogger(&buf),
		Notification{Kind: KindTaskCreated, InstanceID: "i1"},
		Notification{Kind: KindInstanceFailed, InstanceID: "i1"},
	)

	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (panic must not stop delivery)", calls)
	}
	out := buf.String()
	if !strings.Contains(out, "notifier panic: boom") {
		t.Errorf("log missing panic: %s", out)
	}
	if !strings.Contains(out, "unreachable sink") {
		t.Errorf("log missing error: %s", out)
	}
}

func TestDeliver_nilNotifier(t *testing.T) {
	Deliver(context.Background(), nil, nil, Notification{Kind: KindTaskCreated})
}

func TestLog_redactsData(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(bufferLogger(&buf), "ssn_number")

	err := l.Notify(context.Background(), Notification{
		Kind:       KindTaskCompleted,
		InstanceID: "i1",
		Data:       map[string]any{"password": "hunter2", "ssn_number": "123", "amount": 10},
	})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	data := entry["data"].(map[string]any)
	if data["password"] != "[REDACTED]" || data["ssn_number"] != "[REDACTED]" {
		t.Errorf("data not redacted: %v", data)
	}
	if data["amount"] != float64(10) {
		t.Errorf("amount = %v, want 10", data["amount"])
	}
}
