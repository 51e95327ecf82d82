package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/signet/model"
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// Instance retrieves a workflow instance. Returns NOT_FOUND if absent.
	Instance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Steps returns every step of an instance ordered by phase then order index.
	Steps(ctx context.Context, instanceID string) ([]model.WorkflowStep, error)

	// Step retrieves a single step. Returns NOT_FOUND if absent.
	Step(ctx context.Context, stepID string) (model.WorkflowStep, error)

	// Parties returns the party snapshot taken when the instance was built.
	Parties(ctx context.Context, instanceID string) ([]model.Party, error)

	// RequestByHash looks up a signature request by its token hash.
	// Returns TOKEN_NOT_FOUND if no request matches.
	RequestByHash(ctx context.Context, tokenHash string) (model.SignatureRequest, error)

	// LiveRequest returns the unconsumed request of a step, if any.
	LiveRequest(ctx context.Context, stepID string) (model.SignatureRequest, bool, error)

	// AuditEvents returns the audit trail of an instance in append order.
	AuditEvents(ctx context.Context, instanceID string) ([]model.AuditEvent, error)
}

// Tx is a unit of work scoped to a single workflow instance. All writes are
// conditional on the expected prior state and either all apply or none do.
type Tx interface {
	Reader

	// InsertInstance persists a new instance with its party snapshot.
	InsertInstance(ctx context.Context, inst model.WorkflowInstance, parties []model.Party) error

	// UpdateInstanceState moves the instance from one state to another.
	// Returns INVALID_TRANSITION if the stored state is not from.
	UpdateInstanceState(ctx context.Context, instanceID string, from, to model.InstanceState, reason string, at time.Time) error

	// InsertSteps persists new steps.
	InsertSteps(ctx context.Context, steps []model.WorkflowStep) error

	// UpdateStep writes step if its stored state is from. Returns
	// INVALID_TRANSITION otherwise.
	UpdateStep(ctx context.Context, step model.WorkflowStep, from model.StepState) error

	// InsertRequest persists a new signature request.
	InsertRequest(ctx context.Context, req model.SignatureRequest) error

	// ConsumeRequest marks an unconsumed request consumed. Returns
	// TOKEN_ALREADY_CONSUMED if it was already consumed or voided.
	ConsumeRequest(ctx context.Context, requestID string, at time.Time, voided bool) error

	// LastAuditHash returns the hash of the most recent audit event of the
	// instance, or "" if none exists.
	LastAuditHash(ctx context.Context, instanceID string) (string, error)

	// AppendAudit appends a sealed audit event.
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}

// Store persists workflow instances, steps, requests, and audit events.
type Store interface {
	Reader

	// Atomic runs fn with exclusive access to the instance. Writes made
	// through tx are committed only if fn returns nil.
	Atomic(ctx context.Context, instanceID string, fn func(tx Tx) error) error

	// StaleSteps returns ACTIVE steps whose live request expired before cutoff.
	StaleSteps(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowStep, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}
