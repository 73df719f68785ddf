package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{TenantID: "tenant-1", UserID: "user-1"},
			wantErr: false,
		},
		{
			name:    "tenant only",
			rc:      &RequestContext{TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "missing TenantID",
			rc:      &RequestContext{UserID: "user-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_ActorID(t *testing.T) {
	var nilRC *RequestContext
	if got := nilRC.ActorID(); got != SystemUserID {
		t.Errorf("nil ActorID() = %q, want %q", got, SystemUserID)
	}
	rc := &RequestContext{TenantID: "t", UserID: "alice"}
	if got := rc.ActorID(); got != "alice" {
		t.Errorf("ActorID() = %q, want alice", got)
	}
}

func TestWithRequestContext_roundtrip(t *testing.T) {
	rc := &RequestContext{TenantID: "tenant-1", UserID: "user-1"}
	ctx := WithRequestContext(context.Background(), rc)

	got := RequestContextFrom(ctx)
	if got != rc {
		t.Fatalf("RequestContextFrom() = %v, want %v", got, rc)
	}
}

func TestRequestContextFrom_missing(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestTenantFrom(t *testing.T) {
	if _, err := TenantFrom(context.Background()); err == nil {
		t.Error("TenantFrom(empty) should return error")
	}
	if _, err := TenantFrom(WithTenant(context.Background(), "", "u")); err == nil {
		t.Error("TenantFrom(no tenant) should return error")
	}
	rc, err := TenantFrom(WithTenant(context.Background(), "t1", "u1"))
	if err != nil {
		t.Fatalf("TenantFrom error: %v", err)
	}
	if rc.TenantID != "t1" || rc.UserID != "u1" {
		t.Errorf("TenantFrom = %+v", rc)
	}
}

func TestMustRequestContext_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext should panic without a RequestContext")
		}
	}()
	MustRequestContext(context.Background())
}
