package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAgentError_Error(t *testing.T) {
	err := New(ErrCategoryStore, CodeStoreUnavailable, "queue closed")
	expected := "[STORE:STORE_UNAVAILABLE] queue closed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAgentError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewUnreachable("post heartbeat", cause)
	expected := "[TRANSPORT:UNREACHABLE] post heartbeat: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAgentError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := NewStoreUnavailable("open queue", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestAgentError_Is(t *testing.T) {
	err1 := NewRejected(500, "first")
	err2 := NewRejected(503, "second")
	err3 := NewRejected(401, "auth")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryTransport, CodeUnreachable, true},
		{ErrCategoryTransport, CodeExecutableNotFound, true},
		{ErrCategoryRemote, CodeRejected, true},
		{ErrCategoryRemote, CodeUnauthorized, true},
		{ErrCategoryRemote, CodeBadHeartbeat, true},
		{ErrCategoryResponse, CodeMalformedResponse, true},
		{ErrCategoryStore, CodeStoreUnavailable, false},
		{ErrCategoryThrottle, CodeSuppressed, false},
		{ErrCategoryConfig, CodeInvalidConfig, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestNewRejected_StatusCodes(t *testing.T) {
	if GetCode(NewRejected(401, "bad key")) != CodeUnauthorized {
		t.Error("401 should map to UNAUTHORIZED")
	}
	if GetCode(NewRejected(400, "bad heartbeat")) != CodeBadHeartbeat {
		t.Error("400 should map to BAD_HEARTBEAT")
	}
	if !IsRetryable(NewRejected(400, "bad heartbeat")) {
		t.Error("400 rejections should stay queued")
	}
	err := NewRejected(502, "bad gateway")
	if err.Code != CodeRejected {
		t.Errorf("got %q, want %q", err.Code, CodeRejected)
	}
	if err.Details["status"] != 502 {
		t.Errorf("status detail = %v, want 502", err.Details["status"])
	}
}

func TestIsAuth(t *testing.T) {
	if !IsAuth(fmt.Errorf("send: %w", NewRejected(401, "bad key"))) {
		t.Error("wrapped 401 should be an auth error")
	}
	if IsAuth(NewRejected(403, "forbidden")) {
		t.Error("403 is not treated as an auth error")
	}
	if IsAuth(nil) {
		t.Error("nil is not an auth error")
	}
}

func TestGetCategory(t *testing.T) {
	err := NewMalformedResponse("decode body", nil)
	if GetCategory(err) != ErrCategoryResponse {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryResponse)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-AgentError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewSuppressed("main.go")
	if GetCode(err) != CodeSuppressed {
		t.Errorf("got %q, want %q", GetCode(err), CodeSuppressed)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-AgentError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewConfigError("bad api key")
	detailed := err.WithDetails(map[string]interface{}{"field": "api_key"})

	if detailed.Details["field"] != "api_key" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	e := NewExecutableNotFound("wakatime-cli")
	if e.Category != ErrCategoryTransport || e.Code != CodeExecutableNotFound {
		t.Error("NewExecutableNotFound mismatch")
	}

	h := NewInvalidHeartbeat("empty entity")
	if h.Category != ErrCategoryConfig || h.Code != CodeInvalidHeartbeat {
		t.Error("NewInvalidHeartbeat mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected || !errors.Is(i, cause) {
		t.Error("NewInternalError mismatch")
	}
}
