// Package action defines the automatic node action framework: the executor
// contract, the registry built at startup, and the built-in executors.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrorKind classifies an executor failure.
type ErrorKind string

// Error kinds reported by executors.
const (
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindStatus        ErrorKind = "status"
	ErrorKindUnavailable   ErrorKind = "unavailable"
	ErrorKindInternal      ErrorKind = "internal"
)

// Request is the input handed to an executor for one automatic node visit.
type Request struct {
	TenantID       string
	InstanceID     string
	InstanceStatus string
	NodeID         string
	// Config is the complete action object from the node properties.
	Config json.RawMessage
	// Context is a read-only view of the instance context.
	Context map[string]any
}

// Error describes why an action failed.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of an action. Executors never panic or return Go
// errors; every failure is expressed through Result.Error.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *Error         `json:"error,omitempty"`
	// HaltTraversal keeps the token on the node after a successful run.
	HaltTraversal bool `json:"haltTraversal,omitempty"`
}

// Succeeded returns a successful Result carrying output.
func Succeeded(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

// Failed returns a failed Result.
func Failed(kind ErrorKind, format string, args ...any) Result {
	return Result{Error: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// Executor runs one kind of automatic action.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, req Request) Result
}

// Registry maps action kinds to executors. Kinds are matched
// case-insensitively.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    *zap.Logger
}

// NewRegistry creates a Registry populated with the given executors.
func NewRegistry(logger *zap.Logger, executors ...Executor) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		executors: make(map[string]Executor, len(executors)),
		logger:    logger,
	}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for its kind.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[strings.ToLower(e.Kind())] = e
}

// Lookup returns the executor registered for kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[strings.ToLower(strings.TrimSpace(kind))]
	return e, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Execute runs the executor registered for kind. Unknown kinds produce a
// configuration failure; executor panics produce an internal failure.
func (r *Registry) Execute(ctx context.Context, kind string, req Request) (res Result) {
	exec, ok := r.Lookup(kind)
	if !ok {
		return Failed(ErrorKindConfiguration, "unknown action kind %q", kind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("action executor panicked",
				zap.String("kind", kind),
				zap.String("instance_id", req.InstanceID),
				zap.String("node_id", req.NodeID),
				zap.Any("panic", rec),
			)
			res = Failed(ErrorKindInternal, "executor %q panicked: %v", kind, rec)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failed(ErrorKindTimeout, "context done before execution: %v", err)
	}
	return exec.Execute(ctx, req)
}

// Noop is the "noop" executor. It always succeeds.
type Noop struct{}

// Kind implements Executor.
func (Noop) Kind() string { return "noop" }

// Execute implements Executor.
func (Noop) Execute(context.Context, Request) Result {
	return Succeeded(map[string]any{"ok": true})
}
