// Package transport contains the HTTP router, middleware chain, and request
// handlers of the signing service.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/signet/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:               http.StatusBadRequest,
	model.ErrUnauthorized:             http.StatusUnauthorized,
	model.ErrForbidden:                http.StatusForbidden,
	model.ErrNotFound:                 http.StatusNotFound,
	model.ErrConflict:                 http.StatusConflict,
	model.ErrValidationError:          http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:        http.StatusConflict,
	model.ErrRateLimited:              http.StatusTooManyRequests,
	model.ErrInternalError:            http.StatusInternalServerError,
	model.ErrTokenNotFound:            http.StatusNotFound,
	model.ErrTokenExpired:             http.StatusGone,
	model.ErrTokenAlreadyConsumed:     http.StatusConflict,
	model.ErrNotEligible:              http.StatusUnprocessableEntity,
	model.ErrCryptoTransportFailure:   http.StatusBadGateway,
	model.ErrCryptoCertificateMissing: http.StatusUnprocessableEntity,
	model.ErrCryptoSignatureRejected:  http.StatusUnprocessableEntity,
	model.ErrCryptoMalformedInput:     http.StatusBadRequest,
	model.ErrRetryExhausted:           http.StatusBadGateway,
	model.ErrSigningIncomplete:        http.StatusUnprocessableEntity,
}

// StatusFor returns the HTTP status for an error. Errors that are not
// envelopes map to 500.
func StatusFor(err error) int {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Wrapped envelopes are found with errors.As; anything
// else becomes a generic 500 so internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if allowEmpty {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
