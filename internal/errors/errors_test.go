package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/trade-ledger/internal/types"
)

func TestCategorize_Sentinels(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"unrecognized format", fmt.Errorf("decode: %w", ErrUnrecognizedFormat), CodeUnrecognizedFormat, http.StatusBadRequest},
		{"recompute failed", fmt.Errorf("user u1: %w", ErrRecomputeFailed), CodeRecomputeFailed, http.StatusUnprocessableEntity},
		{"plain error", stderrors.New("boom"), CodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestCategorize_Nil(t *testing.T) {
	if Categorize(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestNewRecomputeFailedError_Unwraps(t *testing.T) {
	cause := stderrors.New("currency mismatch for AAPL")
	err := NewRecomputeFailedError("u1", cause)

	if !stderrors.Is(err, ErrRecomputeFailed) {
		t.Error("expected errors.Is(err, ErrRecomputeFailed)")
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected the cause to stay reachable")
	}
	if err.Details["userId"] != "u1" {
		t.Errorf("userId detail = %v", err.Details["userId"])
	}
	if !IsUserError(err) {
		t.Error("recompute failures are reported as 422")
	}
}

func TestCategorize_ServiceError(t *testing.T) {
	svcErr := &types.ServiceError{Code: CodeImportTooLarge, Message: "too many rows"}
	got := Categorize(svcErr)
	if got.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("StatusCode = %d, want 413", got.StatusCode)
	}
	if got.ToServiceError().Code != CodeImportTooLarge {
		t.Errorf("round trip lost the code: %s", got.ToServiceError().Code)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewProviderError("frankfurter", stderrors.New("502"))) {
		t.Error("provider errors are retryable")
	}
	if !IsRetryable(NewDatabaseError("insert", stderrors.New("conn reset"))) {
		t.Error("database errors are retryable")
	}
	if IsRetryable(NewInvalidParameterError("base", "must be a currency code")) {
		t.Error("validation errors are not retryable")
	}
	if !IsRetryable(NewServiceUnavailableError("redis")) {
		t.Error("503 is retryable")
	}
}

func TestIsSystemError(t *testing.T) {
	if !IsSystemError(NewInternalError("x", nil)) {
		t.Error("internal errors are system errors")
	}
	if IsSystemError(NewUnauthorizedError("missing X-User-ID")) {
		t.Error("unauthorized is a user error")
	}
}
