package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/signet/model"
)

// DB is the subset of pgxpool.Pool used by PgAttemptStore.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const attemptColumns = "id, step_id, document_id, version_id, actor_id, payload, status, error_message, protocol, agent_details, sequence, created_at, completed_at"

// PgAttemptStore is a PostgreSQL-backed AttemptStore.
type PgAttemptStore struct {
	db DB
}

// NewPgAttemptStore creates a new PostgreSQL attempt store.
func NewPgAttemptStore(db DB) *PgAttemptStore {
	return &PgAttemptStore{db: db}
}

func (s *PgAttemptStore) Create(ctx context.Context, a model.SigningAgentAttempt) (model.SigningAgentAttempt, error) {
	err := s.db.QueryRow(ctx,
		`INSERT INTO signing_agent_attempts
			(id, step_id, document_id, version_id, actor_id, payload, status, protocol, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING sequence`,
		a.ID, a.StepID, a.DocumentID, a.VersionID, a.ActorID, nullJSON(a.Payload), a.Status, a.Protocol, a.CreatedAt,
	).Scan(&a.Sequence)
	if err != nil {
		return model.SigningAgentAttempt{}, fmt.Errorf("insert signing attempt: %w", err)
	}
	return a, nil
}

func (s *PgAttemptStore) Get(ctx context.Context, id string) (model.SigningAgentAttempt, error) {
	var a model.SigningAgentAttempt
	err := pgxscan.Get(ctx, s.db, &a,
		`SELECT `+attemptColumns+` FROM signing_agent_attempts WHERE id = $1`, id)
	if pgxscan.NotFound(err) {
		return model.SigningAgentAttempt{}, attemptNotFound(id)
	}
	if err != nil {
		return model.SigningAgentAttempt{}, fmt.Errorf("get signing attempt: %w", err)
	}
	return a, nil
}

func (s *PgAttemptStore) Complete(ctx context.Context, id string, status model.AttemptStatus, errMsg string, details json.RawMessage, at time.Time) (model.SigningAgentAttempt, error) {
	if !model.AttemptPending.CanTransitionTo(status) {
		return model.SigningAgentAttempt{}, model.NewBadRequestError(fmt.Sprintf("%s is not a terminal attempt status", status))
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE signing_agent_attempts
		 SET status = $2, error_message = $3, agent_details = $4, completed_at = $5
		 WHERE id = $1 AND status = 'PENDING'`,
		id, status, errMsg, nullJSON(details), at,
	)
	if err != nil {
		return model.SigningAgentAttempt{}, fmt.Errorf("complete signing attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return model.SigningAgentAttempt{}, err
		}
		return model.SigningAgentAttempt{}, attemptTerminal(id, current.Status)
	}
	return s.Get(ctx, id)
}

func (s *PgAttemptStore) ListByStep(ctx context.Context, stepID string) ([]model.SigningAgentAttempt, error) {
	var out []model.SigningAgentAttempt
	err := pgxscan.Select(ctx, s.db, &out,
		`SELECT `+attemptColumns+` FROM signing_agent_attempts WHERE step_id = $1 ORDER BY sequence`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list signing attempts: %w", err)
	}
	return out, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
