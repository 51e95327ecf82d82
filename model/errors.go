package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Signature request token error codes.
const (
	ErrTokenNotFound        = "TOKEN_NOT_FOUND"
	ErrTokenExpired         = "TOKEN_EXPIRED"
	ErrTokenAlreadyConsumed = "TOKEN_ALREADY_CONSUMED"
	ErrNotEligible          = "NOT_ELIGIBLE"
)

// Certificate signing error codes.
const (
	ErrCryptoTransportFailure   = "CRYPTO_TRANSPORT_FAILURE"
	ErrCryptoCertificateMissing = "CRYPTO_CERTIFICATE_MISSING"
	ErrCryptoSignatureRejected  = "CRYPTO_SIGNATURE_REJECTED"
	ErrCryptoMalformedInput     = "CRYPTO_MALFORMED_INPUT"
	ErrRetryExhausted           = "RETRY_EXHAUSTED"
	ErrSigningIncomplete        = "SIGNING_INCOMPLETE"
)

// ErrorEnvelope is the standard error value returned by the service. It
// implements the error interface and optionally wraps a cause.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of the envelope that wraps cause.
func (e *ErrorEnvelope) WithCause(cause error) *ErrorEnvelope {
	cp := *e
	cp.cause = cause
	return &cp
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts an *ErrorEnvelope from anywhere in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewTokenNotFoundError is returned when no request matches a token hash.
func NewTokenNotFoundError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenNotFound, Message: "signature request not found"}
}

// NewTokenExpiredError is returned when a token is presented after expires_at.
func NewTokenExpiredError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenExpired, Message: "signature request has expired"}
}

// NewTokenAlreadyConsumedError is returned when a token was already used.
func NewTokenAlreadyConsumedError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenAlreadyConsumed, Message: "signature request was already used"}
}

// NewNotEligibleError returns a NOT_ELIGIBLE error with the failing fields.
func NewNotEligibleError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotEligible,
		Message: "party is not eligible to sign with this submission",
		Details: details,
	}
}

// NewRetryExhaustedError returns a RETRY_EXHAUSTED error wrapping the last cause.
func NewRetryExhaustedError(attempts int, cause error) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrRetryExhausted,
		Message: fmt.Sprintf("certificate signing failed after %d attempts", attempts),
	}).WithCause(cause)
}

// NewSigningIncompleteError is returned when the signing adapter succeeded
// with warnings, leaving the document without a complete signature.
func NewSigningIncompleteError(warnings []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(warnings))
	for _, w := range warnings {
		details = append(details, FieldError{Field: "warnings", Code: w, Message: w})
	}
	return &ErrorEnvelope{
		Code:    ErrSigningIncomplete,
		Message: "certificate signing completed with warnings",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
