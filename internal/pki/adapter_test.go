package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

var fixedNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func ecSigner(t *testing.T) crypto.Signer {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func edSigner(t *testing.T) crypto.Signer {
	t.Helper()
	_, k, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

type stubTimestamper struct {
	ts     Timestamp
	err    error
	digest []byte
}

func (s *stubTimestamper) Stamp(_ context.Context, digest []byte) (Timestamp, error) {
	s.digest = digest
	return s.ts, s.err
}

func TestLocalAdapter_signsAndVerifies(t *testing.T) {
	for name, signer := range map[string]crypto.Signer{"es256": ecSigner(t), "ed25519": edSigner(t)} {
		t.Run(name, func(t *testing.T) {
			a := NewLocalAdapter(WithSigner(signer, "key-1"), WithClock(func() time.Time { return fixedNow }))
			content := []byte("%PDF-1.7 contract body")

			res, err := a.ApplySecurity(context.Background(), SecurityRequest{Content: content, Reason: "approval"})
			if err != nil {
				t.Fatalf("ApplySecurity: %v", err)
			}
			if len(res.Warnings) != 0 {
				t.Errorf("Warnings = %v, want none", res.Warnings)
			}
			if !bytes.HasPrefix(res.SignedBytes, content) {
				t.Error("signed bytes should start with the original content")
			}

			v, err := Verify(res.SignedBytes)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if !bytes.Equal(v.Content, content) {
				t.Errorf("verified content = %q", v.Content)
			}
			if v.Envelope.KeyID != "key-1" || v.Envelope.Reason != "approval" {
				t.Errorf("envelope = %+v", v.Envelope)
			}
			if !v.IssuedAt.Equal(fixedNow) {
				t.Errorf("IssuedAt = %v, want %v", v.IssuedAt, fixedNow)
			}
			if v.Envelope.PayloadHash != res.SHA256Hex {
				t.Errorf("payload hash %s != result hash %s", v.Envelope.PayloadHash, res.SHA256Hex)
			}
		})
	}
}

func TestLocalAdapter_hashStableAcrossCalls(t *testing.T) {
	a := NewLocalAdapter(WithSigner(ecSigner(t), ""))
	req := SecurityRequest{Content: []byte("same content")}

	first, err := a.ApplySecurity(context.Background(), req)
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	second, err := a.ApplySecurity(context.Background(), req)
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if first.SHA256Hex != second.SHA256Hex {
		t.Errorf("hash changed between calls: %s vs %s", first.SHA256Hex, second.SHA256Hex)
	}
}

func TestLocalAdapter_emptyContentIsMalformed(t *testing.T) {
	a := NewLocalAdapter(WithSigner(ecSigner(t), ""))
	_, err := a.ApplySecurity(context.Background(), SecurityRequest{})
	if !IsKind(err, MalformedInput) {
		t.Fatalf("error = %v, want MalformedInput", err)
	}
}

func TestLocalAdapter_missingSigner(t *testing.T) {
	content := []byte("content")

	res, err := NewLocalAdapter().ApplySecurity(context.Background(), SecurityRequest{Content: content})
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningSignerMissing {
		t.Errorf("Warnings = %v, want [%s]", res.Warnings, WarningSignerMissing)
	}
	if res.SignedBytes != nil {
		t.Error("no signed bytes expected without a signer")
	}
	if res.SHA256Hex == "" {
		t.Error("hash should still be computed")
	}

	_, err = NewLocalAdapter(WithStrict(true)).ApplySecurity(context.Background(), SecurityRequest{Content: content})
	if !IsKind(err, CertificateMissing) {
		t.Fatalf("strict error = %v, want CertificateMissing", err)
	}
}

func TestLocalAdapter_timestampUnavailableWarning(t *testing.T) {
	a := NewLocalAdapter(WithSigner(ecSigner(t), ""))
	res, err := a.ApplySecurity(context.Background(), SecurityRequest{Content: []byte("c"), RequestTimestamp: true})
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningTimestampUnavailable {
		t.Errorf("Warnings = %v", res.Warnings)
	}
	if res.Timestamp != nil {
		t.Error("Timestamp should be nil")
	}
}

func TestLocalAdapter_embedsTimestamp(t *testing.T) {
	tsa := &stubTimestamper{ts: Timestamp{Time: fixedNow, Token: []byte{0x30, 0x00}, Authority: "https://tsa.test"}}
	a := NewLocalAdapter(WithSigner(edSigner(t), ""), WithTimestamper(tsa))

	res, err := a.ApplySecurity(context.Background(), SecurityRequest{Content: []byte("c"), RequestTimestamp: true})
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if res.Timestamp == nil || !res.Timestamp.Time.Equal(fixedNow) {
		t.Fatalf("Timestamp = %+v", res.Timestamp)
	}
	if len(tsa.digest) != 32 {
		t.Errorf("digest sent to TSA has %d bytes", len(tsa.digest))
	}
	v, err := Verify(res.SignedBytes)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.HasTimestamp {
		t.Error("envelope should carry the timestamp token")
	}
}

func TestLocalAdapter_timestampFailurePropagates(t *testing.T) {
	tsa := &stubTimestamper{err: newError(TransportFailure, "timestamp", errors.New("connection refused"))}
	a := NewLocalAdapter(WithSigner(ecSigner(t), ""), WithTimestamper(tsa))

	_, err := a.ApplySecurity(context.Background(), SecurityRequest{Content: []byte("c"), RequestTimestamp: true})
	if !IsKind(err, TransportFailure) {
		t.Fatalf("error = %v, want TransportFailure", err)
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	a := NewLocalAdapter(WithSigner(ecSigner(t), ""))
	res, err := a.ApplySecurity(context.Background(), SecurityRequest{Content: []byte("original terms")})
	if err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	tampered := append([]byte(nil), res.SignedBytes...)
	copy(tampered, "modified")

	if _, err := Verify(tampered); err == nil {
		t.Fatal("Verify should fail on modified content")
	}
	if _, err := Verify([]byte("no envelope here")); err == nil {
		t.Fatal("Verify should fail without an envelope")
	}
}

func TestParseSigner(t *testing.T) {
	ec := ecSigner(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(ec)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	sec1, err := x509.MarshalECPrivateKey(ec.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	edDER, err := x509.MarshalPKCS8PrivateKey(edSigner(t))
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"pkcs8 ecdsa", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), false},
		{"sec1 ecdsa", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}), false},
		{"pkcs8 ed25519", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: edDER}), false},
		{"not pem", []byte("garbage"), true},
		{"wrong block", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSigner(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSigner() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSigner(t *testing.T) {
	fs := afero.NewMemMapFs()
	der, err := x509.MarshalPKCS8PrivateKey(ecSigner(t))
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	if err := afero.WriteFile(fs, "/keys/signing.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadSigner(fs, "/keys/signing.pem"); err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if _, err := LoadSigner(fs, "/keys/missing.pem"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCryptoError_envelope(t *testing.T) {
	err := newError(SignatureRejected, "sign", errors.New("hsm refused"))
	env := err.Envelope()
	if env.Code != "CRYPTO_SIGNATURE_REJECTED" {
		t.Errorf("Code = %s", env.Code)
	}
	if !IsKind(env, SignatureRejected) {
		t.Error("envelope should wrap the crypto error")
	}
}
