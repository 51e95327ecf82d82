package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Signature algorithms recorded in envelopes.
const (
	AlgES256   = "ES256"
	AlgEd25519 = "Ed25519"
)

// ParseSigner decodes a PEM private key. PKCS#8 ECDSA P-256 and Ed25519 keys
// and SEC 1 "EC PRIVATE KEY" blocks are accepted.
func ParseSigner(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	var key any
	var err error
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, errors.New("only P-256 ECDSA keys are supported")
		}
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// algorithmFor names the envelope algorithm of a signer's public key.
func algorithmFor(pub crypto.PublicKey) (string, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return AlgES256, nil
	case ed25519.PublicKey:
		return AlgEd25519, nil
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}

// signOpts returns the hash option crypto.Signer expects for pub.
func signOpts(pub crypto.PublicKey) crypto.SignerOpts {
	if _, ok := pub.(ed25519.PublicKey); ok {
		return crypto.Hash(0)
	}
	return crypto.SHA256
}

// verifySignature checks sig over digest with a PKIX-encoded public key.
func verifySignature(alg string, pubDER, digest, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	switch alg {
	case AlgES256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok || !ecdsa.VerifyASN1(k, digest, sig) {
			return errors.New("ecdsa signature does not verify")
		}
	case AlgEd25519:
		k, ok := pub.(ed25519.PublicKey)
		if !ok || !ed25519.Verify(k, digest, sig) {
			return errors.New("ed25519 signature does not verify")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
	return nil
}
