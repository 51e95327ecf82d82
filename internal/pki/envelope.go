package pki

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeVersion identifies the detached envelope format.
const EnvelopeVersion = "signet-envelope-v1"

// envelopeMarker separates document content from the appended envelope.
var envelopeMarker = []byte("\n%SIGNET-ENVELOPE ")

// Envelope is the detached signature appended to signed content.
type Envelope struct {
	Version        string `json:"version"`
	Algorithm      string `json:"algorithm"`
	PublicKey      string `json:"public_key"`
	KeyID          string `json:"key_id,omitempty"`
	PayloadHash    string `json:"payload_hash"`
	IssuedAt       string `json:"issued_at"`
	Reason         string `json:"reason,omitempty"`
	Location       string `json:"location,omitempty"`
	Signature      string `json:"signature"`
	TimestampToken string `json:"timestamp_token,omitempty"`
}

type envelopeSignedFields struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	KeyID       string `json:"key_id"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	Reason      string `json:"reason"`
	Location    string `json:"location"`
}

// signingDigest is the SHA-256 of the envelope fields covered by the signature.
func (e Envelope) signingDigest() ([]byte, error) {
	b, err := json.Marshal(envelopeSignedFields{
		Version:     e.Version,
		Algorithm:   e.Algorithm,
		PublicKey:   e.PublicKey,
		KeyID:       e.KeyID,
		PayloadHash: e.PayloadHash,
		IssuedAt:    e.IssuedAt,
		Reason:      e.Reason,
		Location:    e.Location,
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// appendEnvelope returns content followed by the encoded envelope.
func appendEnvelope(content []byte, env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	out := make([]byte, 0, len(content)+len(envelopeMarker)+base64.StdEncoding.EncodedLen(len(b))+1)
	out = append(out, content...)
	out = append(out, envelopeMarker...)
	out = append(out, base64.StdEncoding.EncodeToString(b)...)
	out = append(out, '\n')
	return out, nil
}

// Split separates signed bytes into the original content and its envelope.
func Split(signed []byte) ([]byte, Envelope, error) {
	idx := bytes.LastIndex(signed, envelopeMarker)
	if idx < 0 {
		return nil, Envelope{}, errors.New("no signature envelope found")
	}
	encoded := bytes.TrimSpace(signed[idx+len(envelopeMarker):])
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return signed[:idx], env, nil
}

// Verification is the result of Verify.
type Verification struct {
	Envelope     Envelope
	Content      []byte
	IssuedAt     time.Time
	HasTimestamp bool
}

// Verify checks that signed carries a valid envelope over its content.
func Verify(signed []byte) (Verification, error) {
	content, env, err := Split(signed)
	if err != nil {
		return Verification{}, err
	}
	if env.Version != EnvelopeVersion {
		return Verification{}, fmt.Errorf("unsupported envelope version %q", env.Version)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != env.PayloadHash {
		return Verification{}, errors.New("payload hash does not match content")
	}
	pubDER, err := base64.StdEncoding.DecodeString(env.PublicKey)
	if err != nil {
		return Verification{}, fmt.Errorf("decode public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return Verification{}, fmt.Errorf("decode signature: %w", err)
	}
	digest, err := env.signingDigest()
	if err != nil {
		return Verification{}, err
	}
	if err := verifySignature(env.Algorithm, pubDER, digest, sig); err != nil {
		return Verification{}, err
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return Verification{}, fmt.Errorf("parse issued_at: %w", err)
	}
	return Verification{
		Envelope:     env,
		Content:      content,
		IssuedAt:     issuedAt,
		HasTimestamp: env.TimestampToken != "",
	}, nil
}
