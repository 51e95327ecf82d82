package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/audit"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

const (
	// SystemActor is recorded for transitions not caused by a person.
	SystemActor = "system"

	defaultSweepBatch = 500
)

// TokenIssuer mints the signature request for a newly activated step inside
// the caller's transaction and returns the plaintext token.
type TokenIssuer interface {
	Issue(ctx context.Context, tx Tx, step model.WorkflowStep, deadline *time.Time) (string, model.SignatureRequest, error)
}

// Notifier receives events after the transition that produced them commits.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Document identifies the finalized document version being signed.
type Document struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
}

// Template carries per-document signing configuration.
type Template struct {
	SeparateDocuments bool       `json:"separate_documents"`
	Deadline          *time.Time `json:"deadline,omitempty"`
}

// BuildRequest describes a new signing workflow.
type BuildRequest struct {
	Document Document
	Parties  []model.Party
	Template Template
	Actor    string
}

// BuildResult is returned by Build. Tokens maps step ID to the plaintext
// token issued for it and is only ever returned here.
type BuildResult struct {
	Instance model.WorkflowInstance `json:"instance"`
	Steps    []model.WorkflowStep   `json:"steps"`
	Tokens   map[string]string      `json:"tokens"`
}

// Outcome is applied to an ACTIVE step by Transition.
type Outcome struct {
	Kind    model.StepState
	Actor   string
	Method  model.SigningMethod
	Reason  string
	Details map[string]any
}

// Effects describes what a committed transition produced.
type Effects struct {
	Instance      model.WorkflowInstance
	Step          model.WorkflowStep
	Notifications []model.Notification
}

// ReissueResult is returned by Reissue.
type ReissueResult struct {
	Step      model.WorkflowStep `json:"step"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine drives workflow instances through their phases and steps.
type Engine struct {
	store    Store
	tokens   TokenIssuer
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, tokens TokenIssuer, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		tokens: tokens,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() Store { return e.store }

// Build validates parties, materializes one step per party grouped by phase,
// activates the lowest phase, and starts the instance, all in one unit.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (result BuildResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Build",
		observability.AttrDocumentID.String(req.Document.ID))
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	if err := validateBuild(req, e.now()); err != nil {
		e.metrics.RecordBuild("invalid")
		return BuildResult{}, err
	}

	// 2. Materialize instance and steps.
	now := e.now().UTC()
	inst := model.WorkflowInstance{
		ID:                uuid.New().String(),
		DocumentID:        req.Document.ID,
		VersionID:         req.Document.VersionID,
		State:             model.InstanceDraft,
		SeparateDocuments: req.Template.SeparateDocuments,
		CreatedBy:         req.Actor,
		Deadline:          req.Template.Deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	parties := normalizeParties(req.Parties)
	steps := make([]model.WorkflowStep, 0, len(parties))
	for _, p := range parties {
		versionID := req.Document.VersionID
		if req.Template.SeparateDocuments {
			versionID = SeparateVersionID(req.Document.VersionID, p.ID)
		}
		steps = append(steps, model.WorkflowStep{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			PartyID:    p.ID,
			PhaseIndex: p.PhaseIndex,
			OrderIndex: p.OrderIndex,
			DocumentID: req.Document.ID,
			VersionID:  versionID,
			State:      model.StepPending,
			UpdatedAt:  now,
		})
	}
	firstPhase := steps[0].PhaseIndex

	var notes []model.Notification
	tokens := make(map[string]string)

	// 3. Persist, activate the first phase, and start the instance atomically.
	err = e.store.Atomic(ctx, inst.ID, func(tx Tx) error {
		if err := tx.InsertInstance(ctx, inst, parties); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, inst.ID, "", model.EventInstanceCreated, req.Actor, map[string]any{
			"document_id": inst.DocumentID,
			"version_id":  inst.VersionID,
			"parties":     len(parties),
		}); err != nil {
			return err
		}
		if err := tx.InsertSteps(ctx, steps); err != nil {
			return err
		}
		for i := range steps {
			if steps[i].PhaseIndex != firstPhase {
				continue
			}
			note, err := e.activate(ctx, tx, &steps[i], model.StepPending, inst.Deadline, req.Actor)
			if err != nil {
				return err
			}
			tokens[steps[i].ID] = note.Token
			notes = append(notes, note)
		}
		if err := tx.UpdateInstanceState(ctx, inst.ID, model.InstanceDraft, model.InstanceRunning, "", now); err != nil {
			return err
		}
		inst.State = model.InstanceRunning
		return e.appendEvent(ctx, tx, inst.ID, "", model.EventInstanceStarted, req.Actor, map[string]any{
			"phase_index": firstPhase,
		})
	})
	if err != nil {
		e.metrics.RecordBuild("error")
		return BuildResult{}, err
	}

	e.metrics.RecordBuild("ok")
	e.Dispatch(ctx, notes)
	observability.LoggerFrom(ctx, e.logger).Info("workflow built",
		zap.String("instance_id", inst.ID),
		zap.String("document_id", inst.DocumentID),
		zap.Int("steps", len(steps)),
		zap.Int("first_phase", firstPhase),
	)
	return BuildResult{Instance: inst, Steps: steps, Tokens: tokens}, nil
}

// Transition applies an outcome to an ACTIVE step in its own transaction and
// dispatches the resulting notifications.
func (e *Engine) Transition(ctx context.Context, stepID string, out Outcome) (model.WorkflowStep, error) {
	step, err := e.store.Step(ctx, stepID)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	var eff Effects
	err = e.store.Atomic(ctx, step.InstanceID, func(tx Tx) error {
		var txErr error
		eff, txErr = e.TransitionTx(ctx, tx, stepID, out)
		return txErr
	})
	if err != nil {
		return model.WorkflowStep{}, err
	}
	e.Dispatch(ctx, eff.Notifications)
	return eff.Step, nil
}

// TransitionTx applies an outcome inside an open transaction. The caller must
// pass the returned notifications to Dispatch after commit.
func (e *Engine) TransitionTx(ctx context.Context, tx Tx, stepID string, out Outcome) (eff Effects, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Transition",
		observability.AttrStepID.String(stepID),
		observability.AttrOutcome.String(string(out.Kind)))
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Load step and instance.
	step, err := tx.Step(ctx, stepID)
	if err != nil {
		return Effects{}, err
	}
	inst, err := tx.Instance(ctx, step.InstanceID)
	if err != nil {
		return Effects{}, err
	}

	// 2. Verify states.
	if inst.State != model.InstanceRunning {
		return Effects{}, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q is %s, not RUNNING", inst.ID, inst.State),
		)
	}
	if !step.State.CanTransitionTo(out.Kind) || step.State != model.StepActive {
		return Effects{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move step %q from %s to %s", step.ID, step.State, out.Kind),
		)
	}

	// 3. Apply the outcome to the step.
	now := e.now().UTC()
	step.State = out.Kind
	step.UpdatedAt = now
	details := map[string]any{}
	for k, v := range out.Details {
		details[k] = v
	}
	var eventType string
	switch out.Kind {
	case model.StepSigned:
		if !out.Method.Valid() {
			return Effects{}, model.NewBadRequestError(fmt.Sprintf("unknown signing method %q", out.Method))
		}
		step.SigningMethod = out.Method
		step.CompletedAt = &now
		details["method"] = string(out.Method)
		eventType = model.EventStepSigned
	case model.StepRejected:
		step.CompletedAt = &now
		if out.Reason != "" {
			details["reason"] = out.Reason
		}
		eventType = model.EventStepRejected
	case model.StepExpired:
		eventType = model.EventStepExpired
	default:
		return Effects{}, model.NewInvalidTransitionError(
			fmt.Sprintf("outcome %s cannot be applied to a step", out.Kind),
		)
	}
	if err := tx.UpdateStep(ctx, step, model.StepActive); err != nil {
		return Effects{}, err
	}
	if err := e.appendEvent(ctx, tx, inst.ID, step.ID, eventType, out.Actor, details); err != nil {
		return Effects{}, err
	}
	if out.Kind != model.StepExpired {
		if err := e.voidLiveRequest(ctx, tx, step, out.Actor, string(out.Kind)); err != nil {
			return Effects{}, err
		}
	}
	e.metrics.RecordStepTransition(string(out.Kind))

	eff = Effects{Instance: inst, Step: step}

	// 4. Propagate to the rest of the instance.
	switch out.Kind {
	case model.StepSigned:
		notes, updated, err := e.advance(ctx, tx, inst, step.PhaseIndex, out.Actor)
		if err != nil {
			return Effects{}, err
		}
		eff.Instance = updated
		eff.Notifications = notes
	case model.StepRejected:
		note, updated, err := e.cancelInstance(ctx, tx, inst, out.Actor, out.Reason)
		if err != nil {
			return Effects{}, err
		}
		eff.Instance = updated
		eff.Notifications = []model.Notification{note}
	}
	return eff, nil
}

// Cancel terminates a running instance. Every PENDING or ACTIVE step becomes
// SKIPPED and live requests are voided in the same unit.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Cancel",
		observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var note model.Notification
	err = e.store.Atomic(ctx, instanceID, func(tx Tx) error {
		current, err := tx.Instance(ctx, instanceID)
		if err != nil {
			return err
		}
		if current.State != model.InstanceRunning {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("workflow instance %q is %s, not RUNNING", instanceID, current.State),
			)
		}
		note, inst, err = e.cancelInstance(ctx, tx, current, actor, reason)
		return err
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	e.Dispatch(ctx, []model.Notification{note})
	return inst, nil
}

// Reissue voids a step's live request and issues a new token. An EXPIRED step
// is moved back to ACTIVE; this is the only way out of EXPIRED.
func (e *Engine) Reissue(ctx context.Context, stepID, actor string) (res ReissueResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Reissue",
		observability.AttrStepID.String(stepID))
	defer func() { observability.EndSpanWithError(span, err) }()

	step, err := e.store.Step(ctx, stepID)
	if err != nil {
		return ReissueResult{}, err
	}

	var note model.Notification
	err = e.store.Atomic(ctx, step.InstanceID, func(tx Tx) error {
		inst, err := tx.Instance(ctx, step.InstanceID)
		if err != nil {
			return err
		}
		if inst.State != model.InstanceRunning {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("workflow instance %q is %s, not RUNNING", inst.ID, inst.State),
			)
		}
		current, err := tx.Step(ctx, stepID)
		if err != nil {
			return err
		}
		if current.State != model.StepActive && current.State != model.StepExpired {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("step %q is %s; only ACTIVE or EXPIRED steps can be reissued", stepID, current.State),
			)
		}
		if err := e.voidLiveRequest(ctx, tx, current, actor, "reissued"); err != nil {
			return err
		}

		if current.State == model.StepExpired {
			note, err = e.activate(ctx, tx, &current, model.StepExpired, inst.Deadline, actor)
		} else {
			note, err = e.issue(ctx, tx, current, inst.Deadline, actor)
		}
		if err != nil {
			return err
		}
		res = ReissueResult{Step: current, Token: note.Token, ExpiresAt: *note.ExpiresAt}
		return nil
	})
	if err != nil {
		return ReissueResult{}, err
	}
	e.Dispatch(ctx, []model.Notification{note})
	return res, nil
}

// ExpireStale marks ACTIVE steps whose live request has expired as EXPIRED.
// Failures on individual steps are logged and skipped.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.store.StaleSteps(ctx, now, defaultSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find stale steps: %w", err)
	}

	expired := 0
	for _, st := range stale {
		var eff Effects
		err := e.store.Atomic(ctx, st.InstanceID, func(tx Tx) error {
			req, ok, err := tx.LiveRequest(ctx, st.ID)
			if err != nil {
				return err
			}
			if !ok || !req.ExpiredAt(now) {
				return errStillLive
			}
			eff, err = e.TransitionTx(ctx, tx, st.ID, Outcome{
				Kind:    model.StepExpired,
				Actor:   SystemActor,
				Details: map[string]any{"request_id": req.ID, "expires_at": req.ExpiresAt.UTC().Format(time.RFC3339)},
			})
			return err
		})
		if errors.Is(err, errStillLive) || model.IsCode(err, model.ErrInvalidTransition) {
			continue
		}
		sctx := observability.WithScope(ctx, observability.Scope{InstanceID: st.InstanceID, StepID: st.ID})
		if err != nil {
			observability.RequestLogger(sctx, e.logger).Error("failed to expire step", zap.Error(err))
			continue
		}
		observability.RequestLogger(sctx, e.logger).Info("step expired")
		e.Dispatch(sctx, eff.Notifications)
		expired++
	}
	e.metrics.RecordSweep(expired)
	return expired, nil
}

var errStillLive = errors.New("signature request still live")

// Get returns the joined view of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.InstanceView, error) {
	inst, err := e.store.Instance(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	steps, err := e.store.Steps(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	parties, err := e.store.Parties(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	return model.InstanceView{Instance: inst, Steps: steps, Parties: parties}, nil
}

// AuditTrail returns an instance's audit events with the chain verification result.
func (e *Engine) AuditTrail(ctx context.Context, instanceID string) (audit.Report, error) {
	if _, err := e.store.Instance(ctx, instanceID); err != nil {
		return audit.Report{}, err
	}
	events, err := e.store.AuditEvents(ctx, instanceID)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.NewReport(events)
}

// Dispatch delivers notifications. Errors are logged, never returned.
func (e *Engine) Dispatch(ctx context.Context, notes []model.Notification) {
	if e.notifier == nil || len(notes) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := observability.LoggerFrom(ctx, e.logger)
	for _, n := range notes {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.metrics.RecordNotification(string(n.Type), "error")
			logger.Warn("notification delivery failed",
				zap.String("type", string(n.Type)),
				zap.String("instance_id", n.InstanceID),
				zap.String("step_id", n.StepID),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordNotification(string(n.Type), "ok")
	}
}

// --- internal ---

// advance activates the next phase once every step of the given phase is
// resolved, or completes the instance when no later phase exists.
func (e *Engine) advance(ctx context.Context, tx Tx, inst model.WorkflowInstance, phase int, actor string) ([]model.Notification, model.WorkflowInstance, error) {
	steps, err := tx.Steps(ctx, inst.ID)
	if err != nil {
		return nil, inst, err
	}

	next := 0
	for _, st := range steps {
		if st.PhaseIndex == phase && !st.State.Resolved() {
			return nil, inst, nil
		}
		if st.PhaseIndex > phase && (next == 0 || st.PhaseIndex < next) {
			next = st.PhaseIndex
		}
	}

	if next == 0 {
		now := e.now().UTC()
		if err := tx.UpdateInstanceState(ctx, inst.ID, model.InstanceRunning, model.InstanceCompleted, "", now); err != nil {
			return nil, inst, err
		}
		if err := e.appendEvent(ctx, tx, inst.ID, "", model.EventInstanceCompleted, actor, nil); err != nil {
			return nil, inst, err
		}
		inst.State = model.InstanceCompleted
		inst.UpdatedAt = now
		e.metrics.RecordInstanceFinished(string(model.InstanceCompleted))
		return []model.Notification{{Type: model.NotifyInstanceCompleted, InstanceID: inst.ID}}, inst, nil
	}

	var notes []model.Notification
	for i := range steps {
		if steps[i].PhaseIndex != next || steps[i].State != model.StepPending {
			continue
		}
		note, err := e.activate(ctx, tx, &steps[i], model.StepPending, inst.Deadline, actor)
		if err != nil {
			return nil, inst, err
		}
		notes = append(notes, note)
	}
	return notes, inst, nil
}

// activate moves a step to ACTIVE and issues its signature request.
func (e *Engine) activate(ctx context.Context, tx Tx, step *model.WorkflowStep, from model.StepState, deadline *time.Time, actor string) (model.Notification, error) {
	now := e.now().UTC()
	step.State = model.StepActive
	step.ActivatedAt = &now
	step.UpdatedAt = now
	if err := tx.UpdateStep(ctx, *step, from); err != nil {
		return model.Notification{}, err
	}
	if err := e.appendEvent(ctx, tx, step.InstanceID, step.ID, model.EventStepActivated, actor, map[string]any{
		"phase_index": step.PhaseIndex,
		"party_id":    step.PartyID,
	}); err != nil {
		return model.Notification{}, err
	}
	return e.issue(ctx, tx, *step, deadline, actor)
}

// issue mints a request for step. A deadline that has already lapsed falls
// back to the issuer's default window.
func (e *Engine) issue(ctx context.Context, tx Tx, step model.WorkflowStep, deadline *time.Time, actor string) (model.Notification, error) {
	if deadline != nil && !deadline.After(e.now()) {
		deadline = nil
	}
	token, req, err := e.tokens.Issue(ctx, tx, step, deadline)
	if err != nil {
		return model.Notification{}, err
	}
	if err := e.appendEvent(ctx, tx, step.InstanceID, step.ID, model.EventRequestIssued, actor, map[string]any{
		"request_id": req.ID,
		"expires_at": req.ExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return model.Notification{}, err
	}
	expires := req.ExpiresAt
	return model.Notification{
		Type:       model.NotifyStepActivated,
		InstanceID: step.InstanceID,
		StepID:     step.ID,
		PartyID:    step.PartyID,
		Token:      token,
		ExpiresAt:  &expires,
	}, nil
}

// cancelInstance skips every PENDING or ACTIVE step, voids live requests, and
// moves the instance to CANCELLED.
func (e *Engine) cancelInstance(ctx context.Context, tx Tx, inst model.WorkflowInstance, actor, reason string) (model.Notification, model.WorkflowInstance, error) {
	steps, err := tx.Steps(ctx, inst.ID)
	if err != nil {
		return model.Notification{}, inst, err
	}
	now := e.now().UTC()
	for _, st := range steps {
		if st.State != model.StepPending && st.State != model.StepActive {
			continue
		}
		if err := e.voidLiveRequest(ctx, tx, st, actor, "cancelled"); err != nil {
			return model.Notification{}, inst, err
		}
		from := st.State
		st.State = model.StepSkipped
		st.CompletedAt = &now
		st.UpdatedAt = now
		if err := tx.UpdateStep(ctx, st, from); err != nil {
			return model.Notification{}, inst, err
		}
		if err := e.appendEvent(ctx, tx, inst.ID, st.ID, model.EventStepSkipped, actor, map[string]any{
			"previous_state": string(from),
		}); err != nil {
			return model.Notification{}, inst, err
		}
	}

	if reason == "" {
		reason = "cancelled"
	}
	if err := tx.UpdateInstanceState(ctx, inst.ID, model.InstanceRunning, model.InstanceCancelled, reason, now); err != nil {
		return model.Notification{}, inst, err
	}
	if err := e.appendEvent(ctx, tx, inst.ID, "", model.EventInstanceCancelled, actor, map[string]any{
		"reason": reason,
	}); err != nil {
		return model.Notification{}, inst, err
	}
	inst.State = model.InstanceCancelled
	inst.CancelReason = reason
	inst.UpdatedAt = now
	e.metrics.RecordInstanceFinished(string(model.InstanceCancelled))
	return model.Notification{Type: model.NotifyInstanceCancelled, InstanceID: inst.ID}, inst, nil
}

func (e *Engine) voidLiveRequest(ctx context.Context, tx Tx, step model.WorkflowStep, actor, cause string) error {
	req, ok, err := tx.LiveRequest(ctx, step.ID)
	if err != nil || !ok {
		return err
	}
	if err := tx.ConsumeRequest(ctx, req.ID, e.now().UTC(), true); err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, step.InstanceID, step.ID, model.EventRequestVoided, actor, map[string]any{
		"request_id": req.ID,
		"cause":      cause,
	})
}

// appendEvent seals an audit event onto the instance chain within tx.
func (e *Engine) appendEvent(ctx context.Context, tx Tx, instanceID, stepID, eventType, actor string, details map[string]any) error {
	return AppendEvent(ctx, tx, e.now(), instanceID, stepID, eventType, actor, details)
}

// AppendEvent seals and appends an audit event within tx.
func AppendEvent(ctx context.Context, tx Tx, at time.Time, instanceID, stepID, eventType, actor string, details map[string]any) error {
	prev, err := tx.LastAuditHash(ctx, instanceID)
	if err != nil {
		return err
	}
	if actor == "" {
		actor = SystemActor
	}
	ev := model.AuditEvent{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		StepID:     stepID,
		EventType:  eventType,
		Actor:      actor,
		Details:    details,
		Timestamp:  at,
	}
	if err := audit.Seal(&ev, prev); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, ev)
}

// SeparateVersionID derives the per-party document version used when a
// template tracks each party's copy independently.
func SeparateVersionID(versionID, partyID string) string {
	return versionID + "." + partyID
}

// normalizeParties returns a copy with unset phase indexes set to 1, ordered
// by phase then order index.
func normalizeParties(in []model.Party) []model.Party {
	out := make([]model.Party, len(in))
	for i, p := range in {
		p.PhaseIndex = p.Phase()
		out[i] = p
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PhaseIndex != out[j].PhaseIndex {
			return out[i].PhaseIndex < out[j].PhaseIndex
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out
}
