package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name: "valid context",
			rc: &RequestContext{
				SubjectID: "user-1",
				TenantID:  "tenant-1",
			},
			wantErr: false,
		},
		{
			name: "missing SubjectID",
			rc: &RequestContext{
				TenantID: "tenant-1",
			},
			wantErr: true,
		},
		{
			name: "missing TenantID",
			rc: &RequestContext{
				SubjectID: "user-1",
			},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"admin", "editor"},
	}
	assert.True(t, rc.HasRole("admin"))
	assert.True(t, rc.HasRole("editor"))
	assert.False(t, rc.HasRole("viewer"))
}

func TestRequestContext_InGroup(t *testing.T) {
	rc := &RequestContext{Groups: []string{"editors"}}
	assert.True(t, rc.InGroup("editors"))
	assert.False(t, rc.InGroup("legal"))
	assert.False(t, (&RequestContext{}).InGroup("editors"))
}

func TestSystemActor(t *testing.T) {
	rc := SystemActor("tenant-1")
	assert.Equal(t, SystemSubjectID, rc.SubjectID)
	assert.NoError(t, rc.Validate())
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{
		Claims: map[string]any{
			"email": "user@example.com",
			"count": 42,
		},
	}
	assert.Equal(t, "user@example.com", rc.Claim("email"))
	assert.Equal(t, 42, rc.Claim("count"))
	assert.Nil(t, rc.Claim("missing"))
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
	}
	ctx := WithRequestContext(context.Background(), rctx)
	assert.Same(t, rctx, RequestContextFrom(ctx))
}

func TestRequestContextFrom_absent(t *testing.T) {
	assert.Nil(t, RequestContextFrom(context.Background()))
}

func TestMustRequestContext_present(t *testing.T) {
	rctx := &RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
	}
	ctx := WithRequestContext(context.Background(), rctx)
	assert.Same(t, rctx, MustRequestContext(ctx))
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	assert.Panics(t, func() { MustRequestContext(context.Background()) })
}
