package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/oauth-grants/server"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name           string
		constructor    func(string) *OAuthError
		expectedCode   string
		expectedStatus int
	}{
		{"ErrInvalidRequest", ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"ErrInvalidGrant", ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"ErrInvalidScope", ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"ErrInvalidToken", ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"ErrServerError", ErrServerError, ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test description")
			if err.Code != tt.expectedCode {
				t.Errorf("Code = %q, want %q", err.Code, tt.expectedCode)
			}
			if err.Status != tt.expectedStatus {
				t.Errorf("Status = %d, want %d", err.Status, tt.expectedStatus)
			}
			if err.Description != "test description" {
				t.Errorf("Description = %q, want %q", err.Description, "test description")
			}
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
		wantDesc   string
	}{
		{
			name:       "invalid grant",
			err:        &server.Error{Kind: server.KindInvalidGrant, Description: "authorization code is invalid"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "authorization code is invalid",
		},
		{
			name:       "stale refresh token",
			err:        &server.Error{Kind: server.KindInvalidGrant, Description: "refresh token is no longer valid", Err: server.ErrStaleRefreshToken},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "refresh token is no longer valid",
		},
		{
			name:       "redirect mismatch",
			err:        &server.Error{Kind: server.KindRedirectMismatch, Description: "redirect URI does not match"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "redirect URI does not match",
		},
		{
			name:       "client mismatch",
			err:        &server.Error{Kind: server.KindClientMismatch, Description: "issued to another client"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "issued to another client",
		},
		{
			name:       "invalid scope",
			err:        &server.Error{Kind: server.KindInvalidScope, Description: "unregistered scope"},
			wantCode:   ErrorCodeInvalidScope,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "unregistered scope",
		},
		{
			name:       "invalid request",
			err:        &server.Error{Kind: server.KindInvalidRequest, Description: "client id is required"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "client id is required",
		},
		{
			name:       "storage error hides its cause",
			err:        &server.Error{Kind: server.KindStorage, Description: "revoking grants failed", Err: context.DeadlineExceeded},
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
			wantDesc:   "temporary storage failure",
		},
		{
			name:       "wrapped manager error",
			err:        fmt.Errorf("token endpoint: %w", &server.Error{Kind: server.KindInvalidGrant, Description: "expired"}),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "expired",
		},
		{
			name:       "unknown error",
			err:        errors.New("boom"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
			wantDesc:   "internal error",
		},
		{
			name:       "oauth error passes through",
			err:        ErrInvalidToken("expired"),
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got == nil {
				t.Fatal("FromError() returned nil")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
			if got.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", got.Description, tt.wantDesc)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}
