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

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "parties[0].order_index", Code: "DUPLICATE", Message: "order_index 1 is used twice"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
}

func TestIsCode_wrapped(t *testing.T) {
	err := fmt.Errorf("redeem: %w", NewTokenAlreadyConsumedError())
	if !IsCode(err, ErrTokenAlreadyConsumed) {
		t.Error("IsCode() = false for wrapped envelope")
	}
	if IsCode(err, ErrTokenExpired) {
		t.Error("IsCode() = true for a different code")
	}
	if IsCode(errors.New("plain"), ErrInternalError) {
		t.Error("IsCode() = true for a plain error")
	}
}

func TestNewRetryExhaustedError_unwraps_cause(t *testing.T) {
	cause := errors.New("tsa unreachable")
	e := NewRetryExhaustedError(3, cause)
	if e.Code != ErrRetryExhausted {
		t.Errorf("Code = %q, want %q", e.Code, ErrRetryExhausted)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(cause) = false")
	}
}

func TestWithCause_copies(t *testing.T) {
	base := NewConflictError("busy")
	wrapped := base.WithCause(errors.New("x"))
	if base.Unwrap() != nil {
		t.Error("WithCause mutated the receiver")
	}
	if wrapped.Unwrap() == nil {
		t.Error("wrapped.Unwrap() = nil")
	}
}
