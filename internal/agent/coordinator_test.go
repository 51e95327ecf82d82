package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/pki"
	"github.com/pitabwire/signet/model"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	calls   int
	results []func(pki.SecurityRequest) (pki.SecurityResult, error)
}

func (a *scriptedAdapter) ApplySecurity(_ context.Context, req pki.SecurityRequest) (pki.SecurityResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i](req)
}

func ok(req pki.SecurityRequest) (pki.SecurityResult, error) {
	return pki.SecurityResult{SignedBytes: append([]byte("signed:"), req.Content...), SHA256Hex: "abc", KeyID: "k1"}, nil
}

func transportFailure(pki.SecurityRequest) (pki.SecurityResult, error) {
	return pki.SecurityResult{}, &pki.CryptoError{Kind: pki.TransportFailure, Op: "timestamp", Err: errors.New("tsa down")}
}

func rejected(pki.SecurityRequest) (pki.SecurityResult, error) {
	return pki.SecurityResult{}, &pki.CryptoError{Kind: pki.SignatureRejected, Op: "sign", Err: errors.New("refused")}
}

func warned(pki.SecurityRequest) (pki.SecurityResult, error) {
	return pki.SecurityResult{SHA256Hex: "abc", Warnings: []string{pki.WarningSignerMissing}}, nil
}

var target = Target{StepID: "step-1", DocumentID: "doc-1", VersionID: "v1"}

func newTestCoordinator(t *testing.T, adapter pki.Adapter) (*Coordinator, *MemoryAttemptStore, blob.Store) {
	t.Helper()
	blobs := blob.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), blob.DocumentKey(target.DocumentID, target.VersionID), []byte("contract")))
	attempts := NewMemoryAttemptStore()
	c := NewCoordinator(attempts, adapter, blobs,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}),
	)
	return c, attempts, blobs
}

func TestCoordinator_SignSuccess(t *testing.T) {
	c, _, blobs := newTestCoordinator(t, &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){ok}})
	ctx := context.Background()

	att, err := c.Sign(ctx, target, "party:alice")
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSuccess, att.Status)
	assert.Equal(t, pki.EnvelopeVersion, att.Protocol)
	assert.Equal(t, "party:alice", att.ActorID)
	require.NotNil(t, att.CompletedAt)

	var details Details
	require.NoError(t, json.Unmarshal(att.AgentDetails, &details))
	assert.Equal(t, "abc", details.SHA256)

	signed, err := blobs.Get(ctx, details.SignedKey)
	require.NoError(t, err)
	assert.Equal(t, "signed:contract", string(signed))
}

func TestCoordinator_SignRetriesTransportFailure(t *testing.T) {
	adapter := &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){transportFailure, transportFailure, ok}}
	c, _, _ := newTestCoordinator(t, adapter)

	att, err := c.Sign(context.Background(), target, "op")
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSuccess, att.Status)

	all, err := c.Attempts(context.Background(), target.StepID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.AttemptError, all[0].Status)
	assert.Equal(t, model.AttemptError, all[1].Status)
	assert.Equal(t, model.AttemptSuccess, all[2].Status)
	assert.Less(t, all[0].Sequence, all[1].Sequence)
}

func TestCoordinator_SignRetryExhausted(t *testing.T) {
	adapter := &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){transportFailure}}
	c, _, _ := newTestCoordinator(t, adapter)

	att, err := c.Sign(context.Background(), target, "op")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrRetryExhausted), "err = %v", err)
	assert.True(t, pki.IsKind(err, pki.TransportFailure), "cause should be preserved")
	assert.Equal(t, model.AttemptError, att.Status)
	assert.Equal(t, 3, adapter.calls)
}

func TestCoordinator_SignDoesNotRetryHardFailures(t *testing.T) {
	adapter := &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){rejected}}
	c, _, _ := newTestCoordinator(t, adapter)

	_, err := c.Sign(context.Background(), target, "op")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCryptoSignatureRejected), "err = %v", err)
	assert.Equal(t, 1, adapter.calls)
}

func TestCoordinator_WarningsRecordedAsError(t *testing.T) {
	adapter := &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){warned}}
	c, _, _ := newTestCoordinator(t, adapter)

	att, err := c.Sign(context.Background(), target, "op")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrSigningIncomplete))
	assert.Equal(t, model.AttemptError, att.Status)
	assert.Contains(t, att.ErrorMessage, pki.WarningSignerMissing)
	assert.Equal(t, 1, adapter.calls)
}

func TestCoordinator_ExecuteTerminalAttempt(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){ok}})
	ctx := context.Background()

	id, err := c.CreateAttempt(ctx, target, "op", nil)
	require.NoError(t, err)
	first, err := c.Execute(ctx, id)
	require.NoError(t, err)

	again, err := c.Execute(ctx, id)
	assert.True(t, model.IsCode(err, model.ErrInvalidTransition))
	assert.Equal(t, first.AgentDetails, again.AgentDetails, "terminal attempts are immutable")
}

func TestCoordinator_ExecuteMissingDocument(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){ok}})
	ctx := context.Background()

	id, err := c.CreateAttempt(ctx, Target{StepID: "s", DocumentID: "doc-x", VersionID: "v"}, "op", nil)
	require.NoError(t, err)
	att, err := c.Execute(ctx, id)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	assert.Equal(t, model.AttemptError, att.Status)
}

func TestCoordinator_PayloadReachesAdapter(t *testing.T) {
	var got pki.SecurityRequest
	adapter := &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){
		func(req pki.SecurityRequest) (pki.SecurityResult, error) {
			got = req
			return ok(req)
		},
	}}
	c, _, _ := newTestCoordinator(t, adapter)
	c.payload = Payload{Reason: "approval", Location: "São Paulo", RequestTimestamp: true}

	_, err := c.Sign(context.Background(), target, "op")
	require.NoError(t, err)
	assert.Equal(t, "approval", got.Reason)
	assert.Equal(t, "São Paulo", got.Location)
	assert.True(t, got.RequestTimestamp)
	assert.Equal(t, []byte("contract"), got.Content)
}

func TestCoordinator_CreateAttemptValidates(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &scriptedAdapter{results: []func(pki.SecurityRequest) (pki.SecurityResult, error){ok}})
	_, err := c.CreateAttempt(context.Background(), Target{StepID: "s"}, "op", nil)
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestCoordinator_WithRealAdapter(t *testing.T) {
	c, _, blobs := newTestCoordinator(t, pki.NewLocalAdapter(pki.WithSigner(mustKey(t), "key-1")))
	c.payload = Payload{}

	att, err := c.SignStep(context.Background(), model.WorkflowStep{ID: target.StepID, DocumentID: target.DocumentID, VersionID: target.VersionID}, "op")
	require.NoError(t, err)

	var details Details
	require.NoError(t, json.Unmarshal(att.AgentDetails, &details))
	signed, err := blobs.Get(context.Background(), details.SignedKey)
	require.NoError(t, err)
	v, err := pki.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "contract", string(v.Content))
	assert.Equal(t, "key-1", v.Envelope.KeyID)
}
