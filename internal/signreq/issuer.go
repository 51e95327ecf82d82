package signreq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/workflow"
	"github.com/pitabwire/signet/model"
)

// CertificateSigner performs certificate-grade signing of a step's document.
type CertificateSigner interface {
	SignStep(ctx context.Context, step model.WorkflowStep, actor string) (model.SigningAgentAttempt, error)
}

// Submission is what a signer presents alongside their token.
type Submission struct {
	Method    model.SigningMethod `json:"method"`
	CPF       string              `json:"cpf,omitempty"`
	Email     string              `json:"email,omitempty"`
	Phone     string              `json:"phone,omitempty"`
	TypedName string              `json:"typed_name,omitempty"`
	ImageRef  string              `json:"image_ref,omitempty"`
	Actor     string              `json:"-"`
}

// Redemption is the result of a successful redeem or decline.
type Redemption struct {
	Instance model.WorkflowInstance    `json:"instance"`
	Step     model.WorkflowStep        `json:"step"`
	Party    model.Party               `json:"party"`
	Attempt  *model.SigningAgentAttempt `json:"attempt,omitempty"`
}

// SigningContext is the read-only view shown to a signer before redeeming.
type SigningContext struct {
	InstanceID     string                `json:"instance_id"`
	DocumentID     string                `json:"document_id"`
	VersionID      string                `json:"version_id"`
	StepID         string                `json:"step_id"`
	PhaseIndex     int                   `json:"phase_index"`
	PartyName      string                `json:"party_name"`
	ExpiresAt      time.Time             `json:"expires_at"`
	AllowedMethods []model.SigningMethod `json:"allowed_methods"`
	RequiredFields []string              `json:"required_fields"`
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithCertificateSigner enables the certificate signing method.
func WithCertificateSigner(s CertificateSigner) Option { return func(i *Issuer) { i.signer = s } }

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option { return func(i *Issuer) { i.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(i *Issuer) { i.metrics = m } }

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

// Issuer redeems signature request tokens against the workflow engine.
type Issuer struct {
	engine  *workflow.Engine
	store   workflow.Store
	minter  *Minter
	signer  CertificateSigner
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	signingMu sync.Mutex
	signing   map[string]struct{} // request ids with certificate signing in flight
}

// NewIssuer creates an Issuer. minter must be the TokenIssuer the engine was
// built with.
func NewIssuer(engine *workflow.Engine, minter *Minter, opts ...Option) *Issuer {
	i := &Issuer{
		engine: engine,
		store:  engine.Store(),
		minter: minter,
		logger:  zap.NewNop(),
		now:     time.Now,
		signing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a request for step within tx and returns the plaintext token.
func (i *Issuer) Issue(ctx context.Context, tx workflow.Tx, step model.WorkflowStep, deadline *time.Time) (string, model.SignatureRequest, error) {
	return i.minter.Issue(ctx, tx, step, deadline)
}

// Inspect returns the signing context for a live token without consuming it.
func (i *Issuer) Inspect(ctx context.Context, token string) (SigningContext, error) {
	req, err := i.store.RequestByHash(ctx, HashToken(token))
	if err != nil {
		return SigningContext{}, err
	}
	if err := i.checkRequest(req); err != nil {
		return SigningContext{}, err
	}
	step, party, err := i.loadStep(ctx, i.store, req)
	if err != nil {
		return SigningContext{}, err
	}
	return SigningContext{
		InstanceID:     step.InstanceID,
		DocumentID:     step.DocumentID,
		VersionID:      step.VersionID,
		StepID:         step.ID,
		PhaseIndex:     step.PhaseIndex,
		PartyName:      party.Name,
		ExpiresAt:      req.ExpiresAt,
		AllowedMethods: allowedMethods(party),
		RequiredFields: requiredFields(party),
	}, nil
}

// Redeem validates token and submission, then consumes the request and
// signs the step in one transaction. Errors are checked in this order:
// TOKEN_NOT_FOUND, TOKEN_ALREADY_CONSUMED, TOKEN_EXPIRED, NOT_ELIGIBLE.
//
// For the certificate method the document is signed before the transaction;
// if signing fails the token stays live for a manual fallback.
func (i *Issuer) Redeem(ctx context.Context, token string, sub Submission) (res Redemption, err error) {
	ctx, span := observability.StartSpan(ctx, "signreq.Redeem",
		observability.AttrMethod.String(string(sub.Method)))
	defer func() {
		i.metrics.RecordRedemption(resultLabel(err))
		observability.EndSpanWithError(span, err)
	}()

	hash := HashToken(token)
	req, err := i.store.RequestByHash(ctx, hash)
	if err != nil {
		return Redemption{}, err
	}

	var attempt *model.SigningAgentAttempt
	if sub.Method == model.MethodCertificate {
		step, party, err := i.validate(ctx, i.store, req, sub)
		if err != nil {
			return Redemption{}, err
		}
		if i.signer == nil {
			return Redemption{}, model.NewNotEligibleError([]model.FieldError{{
				Field: "method", Code: "UNAVAILABLE", Message: "certificate signing is not configured",
			}})
		}
		release, ok := i.claimSigning(req.ID)
		if !ok {
			return Redemption{}, model.NewConflictError("certificate signing is already in progress for this request")
		}
		defer release()
		att, err := i.signer.SignStep(ctx, step, actorFor(sub.Actor, party))
		if err != nil {
			return Redemption{}, err
		}
		attempt = &att
	}

	var eff workflow.Effects
	err = i.store.Atomic(ctx, req.InstanceID, func(tx workflow.Tx) error {
		current, err := tx.RequestByHash(ctx, hash)
		if err != nil {
			return err
		}
		step, party, err := i.validate(ctx, tx, current, sub)
		if err != nil {
			return err
		}
		actor := actorFor(sub.Actor, party)
		if err := i.consume(ctx, tx, current, step, actor); err != nil {
			return err
		}
		details := map[string]any{}
		if attempt != nil {
			details["attempt_id"] = attempt.ID
		}
		eff, err = i.engine.TransitionTx(ctx, tx, step.ID, workflow.Outcome{
			Kind:    model.StepSigned,
			Actor:   actor,
			Method:  sub.Method,
			Details: details,
		})
		res = Redemption{Party: party}
		return err
	})
	if err != nil {
		return Redemption{}, err
	}

	i.engine.Dispatch(ctx, eff.Notifications)
	res.Instance = eff.Instance
	res.Step = eff.Step
	res.Attempt = attempt
	observability.LoggerFrom(ctx, i.logger).Info("signature request redeemed",
		zap.String("instance_id", res.Instance.ID),
		zap.String("step_id", res.Step.ID),
		zap.String("method", string(sub.Method)),
	)
	return res, nil
}

// claimSigning marks requestID as being certificate-signed so a concurrent
// redeem of the same token does not produce a second signed copy. The claim
// is held until the redeem finishes.
func (i *Issuer) claimSigning(requestID string) (release func(), ok bool) {
	i.signingMu.Lock()
	defer i.signingMu.Unlock()
	if _, busy := i.signing[requestID]; busy {
		return nil, false
	}
	i.signing[requestID] = struct{}{}
	return func() {
		i.signingMu.Lock()
		delete(i.signing, requestID)
		i.signingMu.Unlock()
	}, true
}

// Decline consumes the token and rejects the step, cancelling the instance.
func (i *Issuer) Decline(ctx context.Context, token, reason, actor string) (res Redemption, err error) {
	ctx, span := observability.StartSpan(ctx, "signreq.Decline")
	defer func() { observability.EndSpanWithError(span, err) }()

	hash := HashToken(token)
	req, err := i.store.RequestByHash(ctx, hash)
	if err != nil {
		return Redemption{}, err
	}

	var eff workflow.Effects
	err = i.store.Atomic(ctx, req.InstanceID, func(tx workflow.Tx) error {
		current, err := tx.RequestByHash(ctx, hash)
		if err != nil {
			return err
		}
		if err := i.checkRequest(current); err != nil {
			return err
		}
		step, party, err := i.loadStep(ctx, tx, current)
		if err != nil {
			return err
		}
		who := actorFor(actor, party)
		if err := i.consume(ctx, tx, current, step, who); err != nil {
			return err
		}
		eff, err = i.engine.TransitionTx(ctx, tx, step.ID, workflow.Outcome{
			Kind:   model.StepRejected,
			Actor:  who,
			Reason: reason,
		})
		res = Redemption{Party: party}
		return err
	})
	if err != nil {
		return Redemption{}, err
	}
	i.engine.Dispatch(ctx, eff.Notifications)
	res.Instance = eff.Instance
	res.Step = eff.Step
	return res, nil
}

// --- internal ---

func (i *Issuer) checkRequest(req model.SignatureRequest) error {
	if req.Consumed() {
		return model.NewTokenAlreadyConsumedError()
	}
	if req.ExpiredAt(i.now()) {
		return model.NewTokenExpiredError()
	}
	return nil
}

func (i *Issuer) loadStep(ctx context.Context, r workflow.Reader, req model.SignatureRequest) (model.WorkflowStep, model.Party, error) {
	step, err := r.Step(ctx, req.StepID)
	if err != nil {
		return model.WorkflowStep{}, model.Party{}, err
	}
	if step.State != model.StepActive {
		return model.WorkflowStep{}, model.Party{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is %s, not ACTIVE", step.ID, step.State),
		)
	}
	parties, err := r.Parties(ctx, step.InstanceID)
	if err != nil {
		return model.WorkflowStep{}, model.Party{}, err
	}
	for _, p := range parties {
		if p.ID == step.PartyID {
			return step, p, nil
		}
	}
	return model.WorkflowStep{}, model.Party{}, model.NewNotFoundError(
		fmt.Sprintf("party %q not found", step.PartyID),
	)
}

func (i *Issuer) validate(ctx context.Context, r workflow.Reader, req model.SignatureRequest, sub Submission) (model.WorkflowStep, model.Party, error) {
	if err := i.checkRequest(req); err != nil {
		return model.WorkflowStep{}, model.Party{}, err
	}
	step, party, err := i.loadStep(ctx, r, req)
	if err != nil {
		return model.WorkflowStep{}, model.Party{}, err
	}
	if details := eligibility(party, sub); len(details) > 0 {
		return model.WorkflowStep{}, model.Party{}, model.NewNotEligibleError(details)
	}
	return step, party, nil
}

func (i *Issuer) consume(ctx context.Context, tx workflow.Tx, req model.SignatureRequest, step model.WorkflowStep, actor string) error {
	now := i.now().UTC()
	if err := tx.ConsumeRequest(ctx, req.ID, now, false); err != nil {
		return err
	}
	return workflow.AppendEvent(ctx, tx, now, step.InstanceID, step.ID, model.EventRequestConsumed, actor, map[string]any{
		"request_id": req.ID,
	})
}

// eligibility returns the reasons sub does not satisfy party's requirements.
func eligibility(party model.Party, sub Submission) []model.FieldError {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	switch {
	case !sub.Method.Valid():
		add("method", "UNKNOWN", fmt.Sprintf("unknown signing method %q", sub.Method))
	case !party.Allows(sub.Method):
		add("method", "NOT_ALLOWED", fmt.Sprintf("signing method %q is not allowed for this party", sub.Method))
	}

	switch sub.Method {
	case model.MethodTypedName:
		if strings.TrimSpace(sub.TypedName) == "" {
			add("typed_name", "REQUIRED", "typed name is required")
		}
	case model.MethodSignatureImage, model.MethodSignatureDraw:
		if strings.TrimSpace(sub.ImageRef) == "" {
			add("image_ref", "REQUIRED", "signature image is required")
		}
	}

	if party.RequireCPF {
		switch {
		case digits(sub.CPF) == "":
			add("cpf", "REQUIRED", "CPF is required")
		case party.CPF != "" && digits(sub.CPF) != digits(party.CPF):
			add("cpf", "MISMATCH", "CPF does not match the party record")
		}
	}
	if party.RequireEmail {
		switch {
		case strings.TrimSpace(sub.Email) == "":
			add("email", "REQUIRED", "email is required")
		case party.Email != "" && !strings.EqualFold(strings.TrimSpace(sub.Email), party.Email):
			add("email", "MISMATCH", "email does not match the party record")
		}
	}
	if party.RequirePhone {
		switch {
		case digits(sub.Phone) == "":
			add("phone", "REQUIRED", "phone is required")
		case party.Phone != "" && digits(sub.Phone) != digits(party.Phone):
			add("phone", "MISMATCH", "phone does not match the party record")
		}
	}
	return details
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func allowedMethods(p model.Party) []model.SigningMethod {
	var out []model.SigningMethod
	for _, m := range []model.SigningMethod{
		model.MethodTypedName, model.MethodSignatureImage, model.MethodSignatureDraw, model.MethodCertificate,
	} {
		if p.Allows(m) {
			out = append(out, m)
		}
	}
	return out
}

func requiredFields(p model.Party) []string {
	var out []string
	if p.RequireCPF {
		out = append(out, "cpf")
	}
	if p.RequireEmail {
		out = append(out, "email")
	}
	if p.RequirePhone {
		out = append(out, "phone")
	}
	return out
}

func actorFor(actor string, p model.Party) string {
	if actor != "" {
		return actor
	}
	return "party:" + p.ID
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return strings.ToLower(ee.Code)
	}
	return "error"
}
