package pki

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

var (
	oidSHA256     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

const maxTimestampResponse = 1 << 20

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapContentInfo
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
}

// PKI status values that carry a token.
const (
	statusGranted         = 0
	statusGrantedWithMods = 1
)

// Timestamp is a trusted timestamp issued by a TSA over a content digest.
type Timestamp struct {
	Time      time.Time `json:"time"`
	Authority string    `json:"authority"`
	Serial    string    `json:"serial"`
	Token     []byte    `json:"token"`
}

// BuildTimeStampRequest encodes an RFC 3161 request for a SHA-256 digest.
func BuildTimeStampRequest(digest []byte, nonce *big.Int) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}
	return asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	})
}

// TimestampClient requests RFC 3161 timestamps from a TSA over HTTP.
type TimestampClient struct {
	url     string
	http    *http.Client
	breaker *CircuitBreaker
}

// NewTimestampClient creates a client for the TSA at url. A nil breaker
// disables circuit breaking.
func NewTimestampClient(url string, httpClient *http.Client, breaker *CircuitBreaker) *TimestampClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TimestampClient{url: url, http: httpClient, breaker: breaker}
}

// URL returns the TSA endpoint.
func (c *TimestampClient) URL() string { return c.url }

// Stamp obtains a timestamp token over digest. Network failures and 5xx
// responses are TransportFailure; refusals are SignatureRejected.
func (c *TimestampClient) Stamp(ctx context.Context, digest []byte) (Timestamp, error) {
	const op = "timestamp"
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return Timestamp{}, newError(TransportFailure, op, err)
		}
	}
	ts, err := c.stamp(ctx, digest)
	if c.breaker != nil {
		if IsKind(err, TransportFailure) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return ts, err
}

func (c *TimestampClient) stamp(ctx context.Context, digest []byte) (Timestamp, error) {
	const op = "timestamp"
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return Timestamp{}, newError(TransportFailure, op, err)
	}
	reqDER, err := BuildTimeStampRequest(digest, nonce)
	if err != nil {
		return Timestamp{}, newError(MalformedInput, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return Timestamp{}, newError(MalformedInput, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Timestamp{}, newError(TransportFailure, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTimestampResponse))
	if err != nil {
		return Timestamp{}, newError(TransportFailure, op, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return Timestamp{}, newError(TransportFailure, op, fmt.Errorf("tsa http status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Timestamp{}, newError(SignatureRejected, op, fmt.Errorf("tsa http status %d", resp.StatusCode))
	case len(body) == 0:
		return Timestamp{}, newError(TransportFailure, op, errors.New("tsa returned an empty response"))
	}

	return parseResponse(body, digest, c.url)
}

func parseResponse(body, digest []byte, authority string) (Timestamp, error) {
	const op = "timestamp"
	var resp timeStampResp
	if _, err := asn1.Unmarshal(body, &resp); err != nil {
		return Timestamp{}, newError(TransportFailure, op, fmt.Errorf("decode response: %w", err))
	}
	if resp.Status.Status != statusGranted && resp.Status.Status != statusGrantedWithMods {
		return Timestamp{}, newError(SignatureRejected, op, fmt.Errorf("tsa status %d %v", resp.Status.Status, resp.Status.StatusString))
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return Timestamp{}, newError(TransportFailure, op, errors.New("granted response has no token"))
	}

	info, err := parseToken(resp.TimeStampToken.FullBytes)
	if err != nil {
		return Timestamp{}, newError(TransportFailure, op, err)
	}
	if !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return Timestamp{}, newError(SignatureRejected, op, errors.New("token imprint does not match digest"))
	}
	serial := ""
	if info.SerialNumber != nil {
		serial = info.SerialNumber.String()
	}
	return Timestamp{
		Time:      info.GenTime.UTC(),
		Authority: authority,
		Serial:    serial,
		Token:     resp.TimeStampToken.FullBytes,
	}, nil
}

// parseToken extracts TSTInfo from a CMS SignedData timestamp token.
func parseToken(der []byte) (tstInfo, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return tstInfo{}, fmt.Errorf("decode content info: %w", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return tstInfo{}, fmt.Errorf("unexpected content type %v", ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return tstInfo{}, fmt.Errorf("decode signed data: %w", err)
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &info); err != nil {
		return tstInfo{}, fmt.Errorf("decode tst info: %w", err)
	}
	return info, nil
}
