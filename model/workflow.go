package model

import (
	"encoding/json"
	"time"
)

// InstanceState is the lifecycle state of a workflow instance.
type InstanceState string

// Workflow instance states.
const (
	InstanceDraft     InstanceState = "DRAFT"
	InstanceRunning   InstanceState = "RUNNING"
	InstanceCompleted InstanceState = "COMPLETED"
	InstanceCancelled InstanceState = "CANCELLED"
)

var instanceTransitions = map[InstanceState][]InstanceState{
	InstanceDraft:   {InstanceRunning},
	InstanceRunning: {InstanceCompleted, InstanceCancelled},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s InstanceState) CanTransitionTo(next InstanceState) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s InstanceState) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// StepState is the lifecycle state of a single signing step.
type StepState string

// Workflow step states.
const (
	StepPending  StepState = "PENDING"
	StepActive   StepState = "ACTIVE"
	StepSigned   StepState = "SIGNED"
	StepRejected StepState = "REJECTED"
	StepExpired  StepState = "EXPIRED"
	StepSkipped  StepState = "SKIPPED"
)

// EXPIRED -> ACTIVE is only taken by an operator reissue.
var stepTransitions = map[StepState][]StepState{
	StepPending: {StepActive, StepSkipped},
	StepActive:  {StepSigned, StepRejected, StepExpired, StepSkipped},
	StepExpired: {StepActive},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s StepState) CanTransitionTo(next StepState) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the step has reached an outcome.
func (s StepState) Terminal() bool {
	switch s {
	case StepSigned, StepRejected, StepExpired, StepSkipped:
		return true
	}
	return false
}

// Resolved reports whether the step no longer blocks phase advancement.
func (s StepState) Resolved() bool {
	return s == StepSigned || s == StepSkipped
}

// AttemptStatus is the status of a certificate signing attempt.
type AttemptStatus string

// Signing agent attempt statuses.
const (
	AttemptPending AttemptStatus = "PENDING"
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptError   AttemptStatus = "ERROR"
)

// CanTransitionTo reports whether moving from s to next is allowed.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	return s == AttemptPending && (next == AttemptSuccess || next == AttemptError)
}

// Terminal reports whether the attempt is immutable.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptError
}

// SigningMethod identifies how a party completed their step.
type SigningMethod string

// Signing methods.
const (
	MethodTypedName      SigningMethod = "typed_name"
	MethodSignatureImage SigningMethod = "signature_image"
	MethodSignatureDraw  SigningMethod = "signature_draw"
	MethodCertificate    SigningMethod = "certificate"
)

// Valid reports whether m is a known signing method.
func (m SigningMethod) Valid() bool {
	switch m {
	case MethodTypedName, MethodSignatureImage, MethodSignatureDraw, MethodCertificate:
		return true
	}
	return false
}

// WorkflowInstance is one signing run over a document.
type WorkflowInstance struct {
	ID                string        `json:"id" db:"id"`
	DocumentID        string        `json:"document_id" db:"document_id"`
	VersionID         string        `json:"version_id" db:"version_id"`
	State             InstanceState `json:"state" db:"state"`
	SeparateDocuments bool          `json:"separate_documents" db:"separate_documents"`
	CreatedBy         string        `json:"created_by" db:"created_by"`
	CancelReason      string        `json:"cancel_reason,omitempty" db:"cancel_reason"`
	Deadline          *time.Time    `json:"deadline,omitempty" db:"deadline"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// WorkflowStep is the signing obligation of one party within one phase.
type WorkflowStep struct {
	ID            string        `json:"id" db:"id"`
	InstanceID    string        `json:"instance_id" db:"instance_id"`
	PartyID       string        `json:"party_id" db:"party_id"`
	PhaseIndex    int           `json:"phase_index" db:"phase_index"`
	OrderIndex    int           `json:"order_index" db:"order_index"`
	DocumentID    string        `json:"document_id" db:"document_id"`
	VersionID     string        `json:"version_id" db:"version_id"`
	State         StepState     `json:"state" db:"state"`
	SigningMethod SigningMethod `json:"signing_method,omitempty" db:"signing_method"`
	ActivatedAt   *time.Time    `json:"activated_at,omitempty" db:"activated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Party is a signer attached to a document, snapshotted when a workflow is built.
type Party struct {
	ID                  string `json:"id" validate:"required"`
	Name                string `json:"name"`
	Email               string `json:"email,omitempty" validate:"omitempty,email"`
	Phone               string `json:"phone,omitempty"`
	CPF                 string `json:"cpf,omitempty"`
	PhaseIndex          int    `json:"phase_index" validate:"gte=0"`
	OrderIndex          int    `json:"order_index"`
	RequireCPF          bool   `json:"require_cpf"`
	RequireEmail        bool   `json:"require_email"`
	RequirePhone        bool   `json:"require_phone"`
	AllowTypedName      bool   `json:"allow_typed_name"`
	AllowSignatureImage bool   `json:"allow_signature_image"`
	AllowSignatureDraw  bool   `json:"allow_signature_draw"`
	RequiresCertificate bool   `json:"requires_certificate"`
}

// Allows reports whether the party may sign with method m.
func (p Party) Allows(m SigningMethod) bool {
	switch m {
	case MethodTypedName:
		return p.AllowTypedName
	case MethodSignatureImage:
		return p.AllowSignatureImage
	case MethodSignatureDraw:
		return p.AllowSignatureDraw
	case MethodCertificate:
		return p.RequiresCertificate
	}
	return false
}

// HasSigningMethod reports whether at least one method is permitted.
func (p Party) HasSigningMethod() bool {
	return p.AllowTypedName || p.AllowSignatureImage || p.AllowSignatureDraw || p.RequiresCertificate
}

// Phase returns the party's phase index, treating zero as the first phase.
func (p Party) Phase() int {
	if p.PhaseIndex == 0 {
		return 1
	}
	return p.PhaseIndex
}

// SignatureRequest is a one-time access credential bound to a step. Only the
// SHA-256 hash of the token is stored.
type SignatureRequest struct {
	ID         string     `json:"id" db:"id"`
	StepID     string     `json:"step_id" db:"step_id"`
	InstanceID string     `json:"instance_id" db:"instance_id"`
	TokenHash  string     `json:"-" db:"token_hash"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	Voided     bool       `json:"voided" db:"voided"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Consumed reports whether the request has been used or voided.
func (r SignatureRequest) Consumed() bool {
	return r.ConsumedAt != nil
}

// ExpiredAt reports whether the request is past its expiry at t.
func (r SignatureRequest) ExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// Live reports whether the request can still be redeemed at t.
func (r SignatureRequest) Live(t time.Time) bool {
	return !r.Consumed() && !r.ExpiredAt(t)
}

// SigningAgentAttempt is one try at certificate-based signing of a step.
type SigningAgentAttempt struct {
	ID           string          `json:"id" db:"id"`
	StepID       string          `json:"step_id" db:"step_id"`
	DocumentID   string          `json:"document_id" db:"document_id"`
	VersionID    string          `json:"version_id" db:"version_id"`
	ActorID      string          `json:"actor_id" db:"actor_id"`
	Payload      json.RawMessage `json:"payload,omitempty" db:"payload"`
	Status       AttemptStatus   `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Protocol     string          `json:"protocol" db:"protocol"`
	AgentDetails json.RawMessage `json:"agent_details,omitempty" db:"agent_details"`
	Sequence     int64           `json:"sequence" db:"sequence"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Audit event types.
const (
	EventInstanceCreated   = "instance.created"
	EventInstanceStarted   = "instance.started"
	EventInstanceCompleted = "instance.completed"
	EventInstanceCancelled = "instance.cancelled"
	EventStepActivated     = "step.activated"
	EventStepSigned        = "step.signed"
	EventStepRejected      = "step.rejected"
	EventStepExpired       = "step.expired"
	EventStepSkipped       = "step.skipped"
	EventRequestIssued     = "request.issued"
	EventRequestConsumed   = "request.consumed"
	EventRequestVoided     = "request.voided"
)

// AuditEvent is an immutable, hash-chained record of a transition.
type AuditEvent struct {
	ID         string         `json:"id" db:"id"`
	InstanceID string         `json:"instance_id" db:"instance_id"`
	StepID     string         `json:"step_id,omitempty" db:"step_id"`
	EventType  string         `json:"event_type" db:"event_type"`
	Actor      string         `json:"actor" db:"actor"`
	Details    map[string]any `json:"details,omitempty" db:"details"`
	Timestamp  time.Time      `json:"timestamp" db:"occurred_at"`
	PrevHash   string         `json:"prev_hash" db:"prev_hash"`
	Hash       string         `json:"hash" db:"hash"`
}

// NotificationType identifies a workflow notification.
type NotificationType string

// Notification types.
const (
	NotifyStepActivated     NotificationType = "StepActivated"
	NotifyInstanceCompleted NotificationType = "InstanceCompleted"
	NotifyInstanceCancelled NotificationType = "InstanceCancelled"
)

// Notification is emitted after a transition commits. Token carries the
// plaintext signing token for StepActivated and is never persisted.
type Notification struct {
	Type       NotificationType `json:"type"`
	InstanceID string           `json:"instance_id"`
	StepID     string           `json:"step_id,omitempty"`
	PartyID    string           `json:"party_id,omitempty"`
	Token      string           `json:"token,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

// InstanceView is the joined read model of an instance.
type InstanceView struct {
	Instance WorkflowInstance `json:"instance"`
	Steps    []WorkflowStep   `json:"steps"`
	Parties  []Party          `json:"parties"`
}

// Party returns the party with the given id.
func (v InstanceView) Party(id string) (Party, bool) {
	for _, p := range v.Parties {
		if p.ID == id {
			return p, true
		}
	}
	return Party{}, false
}
