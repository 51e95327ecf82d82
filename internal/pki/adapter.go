// Package pki applies certificate-grade signatures and RFC 3161 timestamps
// to document content.
package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// Soft warnings. A result carrying any of them is not a complete signature.
const (
	WarningSignerMissing        = "signer-missing"
	WarningTimestampUnavailable = "timestamp-unavailable"
)

// SecurityRequest is the input to ApplySecurity.
type SecurityRequest struct {
	Content          []byte
	Reason           string
	Location         string
	RequestTimestamp bool
}

// SecurityResult is the output of ApplySecurity. SHA256Hex is computed over
// the content before any signature is applied.
type SecurityResult struct {
	SignedBytes []byte
	SHA256Hex   string
	KeyID       string
	Timestamp   *Timestamp
	Warnings    []string
}

// Adapter applies a cryptographic signature to document content. Hard
// failures are returned as *CryptoError; soft problems as Warnings.
type Adapter interface {
	ApplySecurity(ctx context.Context, req SecurityRequest) (SecurityResult, error)
}

// Timestamper obtains a trusted timestamp over a SHA-256 digest.
type Timestamper interface {
	Stamp(ctx context.Context, digest []byte) (Timestamp, error)
}

// LocalAdapter signs with an in-process key and an optional remote TSA.
type LocalAdapter struct {
	signer   crypto.Signer
	keyID    string
	tsa      Timestamper
	strict   bool
	reason   string
	location string
	now      func() time.Time
}

// Option configures a LocalAdapter.
type Option func(*LocalAdapter)

// WithSigner sets the signing key and the key id recorded in envelopes.
func WithSigner(signer crypto.Signer, keyID string) Option {
	return func(a *LocalAdapter) {
		a.signer = signer
		a.keyID = keyID
	}
}

// WithTimestamper sets the timestamp authority client.
func WithTimestamper(tsa Timestamper) Option {
	return func(a *LocalAdapter) { a.tsa = tsa }
}

// WithStrict makes a missing signer a CertificateMissing error instead of a
// warning.
func WithStrict(strict bool) Option {
	return func(a *LocalAdapter) { a.strict = strict }
}

// WithDefaults sets the reason and location used when a request has none.
func WithDefaults(reason, location string) Option {
	return func(a *LocalAdapter) {
		a.reason = reason
		a.location = location
	}
}

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option {
	return func(a *LocalAdapter) { a.now = now }
}

// NewLocalAdapter creates a LocalAdapter.
func NewLocalAdapter(opts ...Option) *LocalAdapter {
	a := &LocalAdapter{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// KeyID returns the configured key id.
func (a *LocalAdapter) KeyID() string { return a.keyID }

// ApplySecurity hashes, optionally timestamps, and signs req.Content.
func (a *LocalAdapter) ApplySecurity(ctx context.Context, req SecurityRequest) (SecurityResult, error) {
	const op = "apply_security"
	if err := ctx.Err(); err != nil {
		return SecurityResult{}, newError(TransportFailure, op, err)
	}
	if len(req.Content) == 0 {
		return SecurityResult{}, newError(MalformedInput, op, errors.New("content is empty"))
	}

	sum := sha256.Sum256(req.Content)
	result := SecurityResult{SHA256Hex: hex.EncodeToString(sum[:]), KeyID: a.keyID}

	if a.signer == nil {
		if a.strict {
			return SecurityResult{}, newError(CertificateMissing, op, errors.New("no signing key configured"))
		}
		result.Warnings = append(result.Warnings, WarningSignerMissing)
		return result, nil
	}

	pub := a.signer.Public()
	alg, err := algorithmFor(pub)
	if err != nil {
		return SecurityResult{}, newError(CertificateMissing, op, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return SecurityResult{}, newError(CertificateMissing, op, err)
	}

	env := Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   alg,
		PublicKey:   base64.StdEncoding.EncodeToString(pubDER),
		KeyID:       a.keyID,
		PayloadHash: result.SHA256Hex,
		IssuedAt:    a.now().UTC().Format(time.RFC3339Nano),
		Reason:      firstNonEmpty(req.Reason, a.reason),
		Location:    firstNonEmpty(req.Location, a.location),
	}

	if req.RequestTimestamp {
		if a.tsa == nil {
			result.Warnings = append(result.Warnings, WarningTimestampUnavailable)
		} else {
			ts, err := a.tsa.Stamp(ctx, sum[:])
			if err != nil {
				return SecurityResult{}, err
			}
			env.TimestampToken = base64.StdEncoding.EncodeToString(ts.Token)
			result.Timestamp = &ts
		}
	}

	digest, err := env.signingDigest()
	if err != nil {
		return SecurityResult{}, newError(MalformedInput, op, err)
	}
	sig, err := a.signer.Sign(rand.Reader, digest, signOpts(pub))
	if err != nil {
		return SecurityResult{}, newError(SignatureRejected, op, err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	signed, err := appendEnvelope(req.Content, env)
	if err != nil {
		return SecurityResult{}, newError(MalformedInput, op, err)
	}
	result.SignedBytes = signed
	return result, nil
}

// LoadSigner reads a PEM private key from fs.
func LoadSigner(fs afero.Fs, path string) (crypto.Signer, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	return ParseSigner(b)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
