package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrLocked        = "LOCKED"
	ErrBadRequest    = "BAD_REQUEST"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrDefinitionNotFound     = "DEFINITION_NOT_FOUND"
	ErrDefinitionNotPublished = "DEFINITION_NOT_PUBLISHED"
	ErrConfiguration          = "CONFIGURATION_ERROR"
	ErrPossibleInfiniteLoop   = "POSSIBLE_INFINITE_LOOP"
	ErrInstanceNotActive      = "INSTANCE_NOT_ACTIVE"
	ErrTaskNotOpen            = "TASK_NOT_OPEN"
	ErrNotImplemented         = "NOT_IMPLEMENTED"
)

// ErrorEnvelope is the typed error returned by runtime and store operations.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the error code carried by err, or an empty string when err
// does not wrap an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewLockedError returns a LOCKED error.
func NewLockedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrLocked, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotFound,
		Message: fmt.Sprintf("workflow definition %q not found", id),
	}
}

// NewDefinitionNotPublishedError returns a DEFINITION_NOT_PUBLISHED error.
func NewDefinitionNotPublishedError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotPublished,
		Message: fmt.Sprintf("workflow definition %q is not published", id),
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR. Configuration errors
// abort the triggering call without persisting any change.
func NewConfigurationError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewPossibleInfiniteLoopError returns a POSSIBLE_INFINITE_LOOP error.
func NewPossibleInfiniteLoopError(hops int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPossibleInfiniteLoop,
		Message: fmt.Sprintf("advance exceeded %d hops: possible infinite loop", hops),
	}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("workflow instance %q is %s", id, status),
	}
}

// NewTaskNotOpenError returns a TASK_NOT_OPEN error.
func NewTaskNotOpenError(instanceID, nodeID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotOpen,
		Message: fmt.Sprintf("no open task for node %q on instance %q", nodeID, instanceID),
	}
}

// NewNotImplementedError returns a NOT_IMPLEMENTED error.
func NewNotImplementedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotImplemented, Message: msg}
}
