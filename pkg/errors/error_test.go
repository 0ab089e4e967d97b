package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "codegrade/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{LanguageNotSupported, "Programming language not supported"},
		{SandboxUnavailable, "Sandbox runtime is unavailable"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{LanguageNotSupported, 400},
		{ValidationFailed, 400},
		{CodeTooLarge, 413},
		{SandboxUnavailable, 503},
		{QueueUnavailable, 503},
		{InternalServerError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestErrorCode_IsCallerError(t *testing.T) {
	callerCodes := []ErrorCode{InvalidParams, CodeTooLarge, LanguageNotSupported, TestCasesRequired, ValidationFailed}
	for _, code := range callerCodes {
		if !code.IsCallerError() {
			t.Errorf("expected %d to be a caller error", code)
		}
	}
	systemCodes := []ErrorCode{SandboxUnavailable, QueueUnavailable, InternalServerError, Timeout}
	for _, code := range systemCodes {
		if code.IsCallerError() {
			t.Errorf("expected %d to be a system error", code)
		}
	}
}

func TestNewf(t *testing.T) {
	err := Newf(LanguageNotSupported, "language %q is not supported", "cobol")

	want := `language "cobol" is not supported`
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
	if err.Code != LanguageNotSupported {
		t.Errorf("Code = %v, want %v", err.Code, LanguageNotSupported)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, SandboxUnavailable)

	if wrappedErr.Code != SandboxUnavailable {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, SandboxUnavailable)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, SandboxUnavailable) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	base := New(TimeLimitExceeded)
	wrapped := fmt.Errorf("evaluate case 2: %w", base)

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, Success},
		{"custom", base, TimeLimitExceeded},
		{"fmt wrapped", wrapped, TimeLimitExceeded},
		{"plain", errors.New("boom"), InternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}

	if !Is(wrapped, TimeLimitExceeded) {
		t.Error("Is() should see through fmt wrapping")
	}
	if Is(wrapped, RuntimeError) {
		t.Error("Is() matched the wrong code")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("test_cases", "required")

	if err.Code != ValidationFailed {
		t.Fatalf("expected %d, got %d", ValidationFailed, err.Code)
	}
	if err.Details["field"] != "test_cases" || err.Details["reason"] != "required" {
		t.Fatalf("unexpected details: %v", err.Details)
	}
	if err.Error() != "test_cases: required" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
