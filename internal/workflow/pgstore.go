package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/signet/model"
)

// DB is the subset of pgxpool.Pool used by PgStore, so tests can supply pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// runner is satisfied by both DB and pgx.Tx.
type runner interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	instanceColumns = "id, document_id, version_id, state, separate_documents, created_by, cancel_reason, deadline, created_at, updated_at"
	stepColumns     = "id, instance_id, party_id, phase_index, order_index, document_id, version_id, state, signing_method, activated_at, completed_at, updated_at"
	requestColumns  = "id, step_id, instance_id, token_hash, expires_at, consumed_at, voided, created_at"
	auditColumns    = "id, instance_id, step_id, event_type, actor, details, occurred_at, prev_hash, hash"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Atomic holds a row lock
// on the instance for the duration of the transaction.
type PgStore struct {
	pgReader
	db DB
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(db DB) *PgStore {
	return &PgStore{pgReader: pgReader{q: db}, db: db}
}

// Atomic runs fn in a transaction holding SELECT ... FOR UPDATE on the instance.
func (s *PgStore) Atomic(ctx context.Context, instanceID string, fn func(tx Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT id FROM workflow_instances WHERE id = $1 FOR UPDATE`, instanceID); err != nil {
		return fmt.Errorf("lock workflow instance: %w", err)
	}
	err = fn(&pgTx{pgReader: pgReader{q: tx}})
	return err
}

// StaleSteps returns ACTIVE steps of running instances whose live request
// expired at or before cutoff.
func (s *PgStore) StaleSteps(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowStep, error) {
	sb := squirrel.Select(
		"s.id", "s.instance_id", "s.party_id", "s.phase_index", "s.order_index",
		"s.document_id", "s.version_id", "s.state", "s.signing_method",
		"s.activated_at", "s.completed_at", "s.updated_at",
	).
		From("workflow_steps s").
		Join("signature_requests r ON r.step_id = s.id AND r.consumed_at IS NULL").
		Join("workflow_instances i ON i.id = s.instance_id").
		Where(squirrel.Eq{"s.state": string(model.StepActive)}).
		Where(squirrel.Eq{"i.state": string(model.InstanceRunning)}).
		Where(squirrel.LtOrEq{"r.expires_at": cutoff}).
		OrderBy("s.id").
		PlaceholderFormat(squirrel.Dollar)
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale steps query: %w", err)
	}
	var steps []model.WorkflowStep
	if err := pgxscan.Select(ctx, s.db, &steps, query, args...); err != nil {
		return nil, fmt.Errorf("query stale steps: %w", err)
	}
	return steps, nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// --- reads ---

type pgReader struct {
	q runner
}

func (r pgReader) Instance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := pgxscan.Get(ctx, r.q, &inst,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	if pgxscan.NotFound(err) {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (r pgReader) Steps(ctx context.Context, instanceID string) ([]model.WorkflowStep, error) {
	var steps []model.WorkflowStep
	err := pgxscan.Select(ctx, r.q, &steps,
		`SELECT `+stepColumns+` FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY phase_index, order_index`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	return steps, nil
}

func (r pgReader) Step(ctx context.Context, stepID string) (model.WorkflowStep, error) {
	var step model.WorkflowStep
	err := pgxscan.Get(ctx, r.q, &step,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE id = $1`, stepID)
	if pgxscan.NotFound(err) {
		return model.WorkflowStep{}, stepNotFound(stepID)
	}
	if err != nil {
		return model.WorkflowStep{}, fmt.Errorf("query workflow step: %w", err)
	}
	return step, nil
}

func (r pgReader) Parties(ctx context.Context, instanceID string) ([]model.Party, error) {
	var raw []byte
	err := r.q.QueryRow(ctx, `SELECT parties FROM workflow_instances WHERE id = $1`, instanceID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, instanceNotFound(instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query parties: %w", err)
	}
	var parties []model.Party
	if err := json.Unmarshal(raw, &parties); err != nil {
		return nil, fmt.Errorf("unmarshal parties: %w", err)
	}
	return parties, nil
}

func (r pgReader) RequestByHash(ctx context.Context, tokenHash string) (model.SignatureRequest, error) {
	var req model.SignatureRequest
	err := pgxscan.Get(ctx, r.q, &req,
		`SELECT `+requestColumns+` FROM signature_requests WHERE token_hash = $1`, tokenHash)
	if pgxscan.NotFound(err) {
		return model.SignatureRequest{}, model.NewTokenNotFoundError()
	}
	if err != nil {
		return model.SignatureRequest{}, fmt.Errorf("query signature request: %w", err)
	}
	return req, nil
}

func (r pgReader) LiveRequest(ctx context.Context, stepID string) (model.SignatureRequest, bool, error) {
	var req model.SignatureRequest
	err := pgxscan.Get(ctx, r.q, &req,
		`SELECT `+requestColumns+` FROM signature_requests
		WHERE step_id = $1 AND consumed_at IS NULL`, stepID)
	if pgxscan.NotFound(err) {
		return model.SignatureRequest{}, false, nil
	}
	if err != nil {
		return model.SignatureRequest{}, false, fmt.Errorf("query live signature request: %w", err)
	}
	return req, true, nil
}

func (r pgReader) AuditEvents(ctx context.Context, instanceID string) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := pgxscan.Select(ctx, r.q, &events,
		`SELECT `+auditColumns+` FROM audit_events WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// --- writes ---

type pgTx struct {
	pgReader
}

func (tx *pgTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance, parties []model.Party) error {
	partiesJSON, err := json.Marshal(parties)
	if err != nil {
		return fmt.Errorf("marshal parties: %w", err)
	}
	_, err = tx.q.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, document_id, version_id, state, separate_documents,
			created_by, cancel_reason, parties, deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.DocumentID, inst.VersionID, string(inst.State), inst.SeparateDocuments,
		inst.CreatedBy, inst.CancelReason, partiesJSON, inst.Deadline, inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (tx *pgTx) UpdateInstanceState(ctx context.Context, instanceID string, from, to model.InstanceState, reason string, at time.Time) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE workflow_instances
		SET state = $3, cancel_reason = CASE WHEN $4 = '' THEN cancel_reason ELSE $4 END, updated_at = $5
		WHERE id = $1 AND state = $2`,
		instanceID, string(from), string(to), reason, at,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q is not %s", instanceID, from),
		)
	}
	return nil
}

func (tx *pgTx) InsertSteps(ctx context.Context, steps []model.WorkflowStep) error {
	for _, st := range steps {
		_, err := tx.q.Exec(ctx, `
			INSERT INTO workflow_steps (
				id, instance_id, party_id, phase_index, order_index,
				document_id, version_id, state, signing_method,
				activated_at, completed_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			st.ID, st.InstanceID, st.PartyID, st.PhaseIndex, st.OrderIndex,
			st.DocumentID, st.VersionID, string(st.State), string(st.SigningMethod),
			st.ActivatedAt, st.CompletedAt, st.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("workflow step %q already exists", st.ID))
		}
		if err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}
	}
	return nil
}

func (tx *pgTx) UpdateStep(ctx context.Context, step model.WorkflowStep, from model.StepState) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE workflow_steps
		SET state = $3, signing_method = $4, activated_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $1 AND state = $2`,
		step.ID, string(from), string(step.State), string(step.SigningMethod),
		step.ActivatedAt, step.CompletedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("workflow step %q is not %s", step.ID, from),
		)
	}
	return nil
}

func (tx *pgTx) InsertRequest(ctx context.Context, req model.SignatureRequest) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO signature_requests (
			id, step_id, instance_id, token_hash, expires_at, consumed_at, voided, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.StepID, req.InstanceID, req.TokenHash, req.ExpiresAt,
		req.ConsumedAt, req.Voided, req.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("step %q already has a live signature request", req.StepID))
	}
	if err != nil {
		return fmt.Errorf("insert signature request: %w", err)
	}
	return nil
}

func (tx *pgTx) ConsumeRequest(ctx context.Context, requestID string, at time.Time, voided bool) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE signature_requests
		SET consumed_at = $2, voided = $3
		WHERE id = $1 AND consumed_at IS NULL`,
		requestID, at, voided,
	)
	if err != nil {
		return fmt.Errorf("consume signature request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewTokenAlreadyConsumedError()
	}
	return nil
}

func (tx *pgTx) LastAuditHash(ctx context.Context, instanceID string) (string, error) {
	var hash string
	err := tx.q.QueryRow(ctx,
		`SELECT hash FROM audit_events WHERE instance_id = $1 ORDER BY seq DESC LIMIT 1`,
		instanceID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last audit hash: %w", err)
	}
	return hash, nil
}

func (tx *pgTx) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.q.Exec(ctx, `
		INSERT INTO audit_events (
			id, instance_id, step_id, event_type, actor, details, occurred_at, prev_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.InstanceID, ev.StepID, ev.EventType, ev.Actor, details,
		ev.Timestamp, ev.PrevHash, ev.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
