package pki

import (
	"errors"
	"fmt"

	"github.com/pitabwire/signet/model"
)

// ErrorKind classifies hard adapter failures.
type ErrorKind string

// Crypto error kinds.
const (
	TransportFailure   ErrorKind = "TransportFailure"
	CertificateMissing ErrorKind = "CertificateMissing"
	SignatureRejected  ErrorKind = "SignatureRejected"
	MalformedInput     ErrorKind = "MalformedInput"
)

var kindCodes = map[ErrorKind]string{
	TransportFailure:   model.ErrCryptoTransportFailure,
	CertificateMissing: model.ErrCryptoCertificateMissing,
	SignatureRejected:  model.ErrCryptoSignatureRejected,
	MalformedInput:     model.ErrCryptoMalformedInput,
}

// CryptoError is a hard failure that aborts a signing attempt.
type CryptoError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Envelope converts the error into the service error envelope, keeping e as
// the cause.
func (e *CryptoError) Envelope() *model.ErrorEnvelope {
	code, ok := kindCodes[e.Kind]
	if !ok {
		code = model.ErrInternalError
	}
	return (&model.ErrorEnvelope{Code: code, Message: e.Error()}).WithCause(e)
}

func newError(kind ErrorKind, op string, err error) *CryptoError {
	return &CryptoError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first CryptoError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CryptoError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries a CryptoError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
