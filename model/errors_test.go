package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewConfigurationError_formats(t *testing.T) {
	e := NewConfigurationError("node %q has no outgoing edge", "n1")
	if e.Code != ErrConfiguration {
		t.Errorf("Code = %q, want %q", e.Code, ErrConfiguration)
	}
	if e.Message != `node "n1" has no outgoing edge` {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewPossibleInfiniteLoopError(t *testing.T) {
	e := NewPossibleInfiniteLoopError(10000)
	if e.Code != ErrPossibleInfiniteLoop {
		t.Errorf("Code = %q, want %q", e.Code, ErrPossibleInfiniteLoop)
	}
}

func TestIsCode_wrapped(t *testing.T) {
	err := fmt.Errorf("store: commit: %w", NewConflictError("version mismatch"))
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode(wrapped conflict, CONFLICT) = false, want true")
	}
	if IsCode(err, ErrNotFound) {
		t.Error("IsCode(wrapped conflict, NOT_FOUND) = true, want false")
	}
}

func TestIsCode_plain_error(t *testing.T) {
	if IsCode(errors.New("boom"), ErrConflict) {
		t.Error("IsCode(plain error) = true, want false")
	}
	if IsCode(nil, ErrConflict) {
		t.Error("IsCode(nil) = true, want false")
	}
	if got := CodeOf(errors.New("boom")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled} {
		if !IsTerminalStatus(s) {
			t.Errorf("IsTerminalStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{InstanceStatusRunning, InstanceStatusSuspended} {
		if IsTerminalStatus(s) {
			t.Errorf("IsTerminalStatus(%q) = true, want false", s)
		}
	}
}

func TestIsOpenTaskStatus(t *testing.T) {
	if !IsOpenTaskStatus(TaskStatusCreated) {
		t.Error("Created should be open")
	}
	if IsOpenTaskStatus(TaskStatusCompleted) || IsOpenTaskStatus(TaskStatusCancelled) {
		t.Error("Completed and Cancelled should not be open")
	}
}
