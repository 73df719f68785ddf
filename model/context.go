package model

import (
	"context"
	"errors"
	"fmt"
)

// SystemUserID is the acting user recorded for changes made by background
// workers.
const SystemUserID = "system"

// RequestContext carries the tenant and acting user for a runtime call. It is
// immutable after construction and safe for concurrent reads.
type RequestContext struct {
	TenantID      string
	UserID        string
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
// TenantID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ActorID returns the acting user, falling back to SystemUserID.
func (rc *RequestContext) ActorID() string {
	if rc == nil || rc.UserID == "" {
		return SystemUserID
	}
	return rc.UserID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// WithTenant is a shorthand for attaching a RequestContext for the given
// tenant and user.
func WithTenant(ctx context.Context, tenantID, userID string) context.Context {
	return WithRequestContext(ctx, &RequestContext{TenantID: tenantID, UserID: userID})
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// TenantFrom returns the validated RequestContext attached to ctx.
func TenantFrom(ctx context.Context) (*RequestContext, error) {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		return nil, fmt.Errorf("model: RequestContext not found in context")
	}
	if err := rctx.Validate(); err != nil {
		return nil, err
	}
	return rctx, nil
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
