// Package agent coordinates certificate signing attempts against the crypto
// adapter, recording every try.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/pki"
	"github.com/pitabwire/signet/model"
)

// Target identifies the document version a step signs.
type Target struct {
	StepID     string `json:"step_id"`
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
}

// RetryPolicy bounds the retry loop of Sign.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	BackoffInitial: 200 * time.Millisecond,
	BackoffMax:     5 * time.Second,
}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = DefaultRetryPolicy.BackoffInitial
	}
	b := retry.NewExponential(p.BackoffInitial)
	if p.BackoffMax > 0 {
		b = retry.WithCappedDuration(p.BackoffMax, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Payload carries per-attempt signing options.
type Payload struct {
	Reason           string `json:"reason,omitempty"`
	Location         string `json:"location,omitempty"`
	RequestTimestamp bool   `json:"request_timestamp"`
}

// Details is recorded as AgentDetails on successful attempts.
type Details struct {
	SHA256    string         `json:"sha256"`
	KeyID     string         `json:"key_id,omitempty"`
	SignedKey string         `json:"signed_key,omitempty"`
	Timestamp *pki.Timestamp `json:"timestamp,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Coordinator) { c.policy = p } }

// WithDefaultPayload sets the payload used by Sign.
func WithDefaultPayload(p Payload) Option { return func(c *Coordinator) { c.payload = p } }

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator runs signing attempts. Adapter calls are made without holding
// any workflow lock.
type Coordinator struct {
	attempts AttemptStore
	adapter  pki.Adapter
	blobs    blob.Store
	policy   RetryPolicy
	payload  Payload
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(attempts AttemptStore, adapter pki.Adapter, blobs blob.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		attempts: attempts,
		adapter:  adapter,
		blobs:    blobs,
		policy:   DefaultRetryPolicy,
		payload:  Payload{RequestTimestamp: true},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateAttempt records a PENDING attempt and returns its id.
func (c *Coordinator) CreateAttempt(ctx context.Context, t Target, actor string, payload json.RawMessage) (string, error) {
	if t.StepID == "" || t.DocumentID == "" || t.VersionID == "" {
		return "", model.NewBadRequestError("step, document and version are required")
	}
	a, err := c.attempts.Create(ctx, model.SigningAgentAttempt{
		ID:         uuid.New().String(),
		StepID:     t.StepID,
		DocumentID: t.DocumentID,
		VersionID:  t.VersionID,
		ActorID:    actor,
		Payload:    payload,
		Status:     model.AttemptPending,
		Protocol:   pki.EnvelopeVersion,
		CreatedAt:  c.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Execute runs the adapter for a PENDING attempt and records the outcome.
// A result with warnings is stored as ERROR and returned as SIGNING_INCOMPLETE.
func (c *Coordinator) Execute(ctx context.Context, attemptID string) (att model.SigningAgentAttempt, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.Execute",
		observability.AttrAttemptID.String(attemptID))
	defer func() { observability.EndSpanWithError(span, err) }()
	log := observability.LoggerFrom(ctx, c.logger).With(zap.String("attempt_id", attemptID))

	att, err = c.attempts.Get(ctx, attemptID)
	if err != nil {
		return model.SigningAgentAttempt{}, err
	}
	if att.Status.Terminal() {
		return att, attemptTerminal(att.ID, att.Status)
	}

	var payload Payload
	if len(att.Payload) > 0 {
		if err := json.Unmarshal(att.Payload, &payload); err != nil {
			return c.fail(ctx, att, &pki.CryptoError{Kind: pki.MalformedInput, Op: "decode_payload", Err: err})
		}
	}

	content, err := c.blobs.Get(ctx, blob.DocumentKey(att.DocumentID, att.VersionID))
	if err != nil {
		return c.fail(ctx, att, err)
	}

	started := c.now()
	res, err := c.adapter.ApplySecurity(ctx, pki.SecurityRequest{
		Content:          content,
		Reason:           payload.Reason,
		Location:         payload.Location,
		RequestTimestamp: payload.RequestTimestamp,
	})
	c.metrics.ObserveAdapter(adapterResult(err), c.now().Sub(started))
	if err != nil {
		log.Warn("signing adapter failed", zap.Error(err))
		return c.fail(ctx, att, err)
	}
	if len(res.Warnings) > 0 {
		log.Warn("signing adapter returned warnings", zap.Strings("warnings", res.Warnings))
		details, _ := json.Marshal(Details{SHA256: res.SHA256Hex, KeyID: res.KeyID, Warnings: res.Warnings})
		done, cerr := c.complete(ctx, att.ID, model.AttemptError, "warnings: "+strings.Join(res.Warnings, ", "), details)
		if cerr != nil {
			return att, cerr
		}
		return done, model.NewSigningIncompleteError(res.Warnings)
	}

	signedKey := blob.SignedKey(att.DocumentID, att.VersionID, att.ID)
	if err := c.blobs.Put(ctx, signedKey, res.SignedBytes); err != nil {
		return c.fail(ctx, att, err)
	}
	details, err := json.Marshal(Details{
		SHA256:    res.SHA256Hex,
		KeyID:     res.KeyID,
		SignedKey: signedKey,
		Timestamp: res.Timestamp,
	})
	if err != nil {
		return c.fail(ctx, att, err)
	}
	done, err := c.complete(ctx, att.ID, model.AttemptSuccess, "", details)
	if err != nil {
		return att, err
	}
	log.Info("signing attempt succeeded", zap.String("sha256", res.SHA256Hex))
	return done, nil
}

// Sign creates and executes attempts until one succeeds, a non-retryable
// error occurs, or the policy is exhausted. Only TransportFailure is retried.
func (c *Coordinator) Sign(ctx context.Context, t Target, actor string) (last model.SigningAgentAttempt, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.Sign",
		observability.AttrStepID.String(t.StepID),
		observability.AttrDocumentID.String(t.DocumentID))
	defer func() { observability.EndSpanWithError(span, err) }()

	payload, err := json.Marshal(c.payload)
	if err != nil {
		return model.SigningAgentAttempt{}, fmt.Errorf("encode payload: %w", err)
	}

	tries := 0
	err = retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		tries++
		id, err := c.CreateAttempt(ctx, t, actor, payload)
		if err != nil {
			return err
		}
		att, err := c.Execute(ctx, id)
		if att.ID != "" {
			last = att
		}
		if pki.IsKind(err, pki.TransportFailure) {
			observability.LoggerFrom(ctx, c.logger).Info("retrying signing attempt",
				zap.String("step_id", t.StepID), zap.Int("try", tries), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return last, nil
	}

	var ce *pki.CryptoError
	switch {
	case pki.IsKind(err, pki.TransportFailure):
		return last, model.NewRetryExhaustedError(tries, err)
	case errors.As(err, &ce):
		return last, ce.Envelope()
	default:
		return last, err
	}
}

// SignStep signs the document version of step.
func (c *Coordinator) SignStep(ctx context.Context, step model.WorkflowStep, actor string) (model.SigningAgentAttempt, error) {
	return c.Sign(ctx, Target{StepID: step.ID, DocumentID: step.DocumentID, VersionID: step.VersionID}, actor)
}

// Attempts returns every attempt for stepID in creation order.
func (c *Coordinator) Attempts(ctx context.Context, stepID string) ([]model.SigningAgentAttempt, error) {
	return c.attempts.ListByStep(ctx, stepID)
}

func (c *Coordinator) fail(ctx context.Context, att model.SigningAgentAttempt, cause error) (model.SigningAgentAttempt, error) {
	done, err := c.complete(ctx, att.ID, model.AttemptError, cause.Error(), nil)
	if err != nil {
		return att, errors.Join(cause, err)
	}
	return done, cause
}

func (c *Coordinator) complete(ctx context.Context, id string, status model.AttemptStatus, msg string, details json.RawMessage) (model.SigningAgentAttempt, error) {
	att, err := c.attempts.Complete(ctx, id, status, msg, details, c.now().UTC())
	if err != nil {
		return model.SigningAgentAttempt{}, err
	}
	c.metrics.RecordAttempt(string(status))
	return att, nil
}

func adapterResult(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := pki.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
