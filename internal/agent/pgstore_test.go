package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/model"
)

var attemptCols = []string{
	"id", "step_id", "document_id", "version_id", "actor_id", "payload", "status",
	"error_message", "protocol", "agent_details", "sequence", "created_at", "completed_at",
}

func attemptRow(rows *pgxmock.Rows, status model.AttemptStatus, completed *time.Time) *pgxmock.Rows {
	return rows.AddRow(
		"att-1", "step-1", "doc-1", "v1", "op", json.RawMessage(`{}`), status,
		"", "signet-envelope-v1", json.RawMessage(`{"sha256":"abc"}`), int64(7),
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), completed,
	)
}

func TestPgAttemptStore_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO signing_agent_attempts")).
		WithArgs("att-1", "step-1", "doc-1", "v1", "op", pgxmock.AnyArg(), model.AttemptPending, "signet-envelope-v1", now).
		WillReturnRows(pgxmock.NewRows([]string{"sequence"}).AddRow(int64(7)))

	a, err := NewPgAttemptStore(mock).Create(context.Background(), model.SigningAgentAttempt{
		ID: "att-1", StepID: "step-1", DocumentID: "doc-1", VersionID: "v1", ActorID: "op",
		Status: model.AttemptPending, Protocol: "signet-envelope-v1", CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAttemptStore_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM signing_agent_attempts WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(attemptCols))

	_, err = NewPgAttemptStore(mock).Get(context.Background(), "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "err = %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAttemptStore_CompleteConditional(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'PENDING'")).
		WithArgs("att-1", model.AttemptSuccess, "", pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM signing_agent_attempts WHERE id = $1")).
		WithArgs("att-1").
		WillReturnRows(attemptRow(pgxmock.NewRows(attemptCols), model.AttemptSuccess, &at))

	a, err := NewPgAttemptStore(mock).Complete(context.Background(), "att-1", model.AttemptSuccess, "", json.RawMessage(`{"sha256":"abc"}`), at)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSuccess, a.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAttemptStore_CompleteTerminalRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE signing_agent_attempts")).
		WithArgs("att-1", model.AttemptError, "boom", nil, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM signing_agent_attempts WHERE id = $1")).
		WithArgs("att-1").
		WillReturnRows(attemptRow(pgxmock.NewRows(attemptCols), model.AttemptSuccess, &at))

	_, err = NewPgAttemptStore(mock).Complete(context.Background(), "att-1", model.AttemptError, "boom", nil, at)
	assert.True(t, model.IsCode(err, model.ErrInvalidTransition), "err = %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAttemptStore_CompleteRejectsPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPgAttemptStore(mock).Complete(context.Background(), "att-1", model.AttemptPending, "", nil, time.Now())
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAttemptStore_ListByStep(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE step_id = $1 ORDER BY sequence")).
		WithArgs("step-1").
		WillReturnRows(attemptRow(pgxmock.NewRows(attemptCols), model.AttemptPending, nil))

	out, err := NewPgAttemptStore(mock).ListByStep(context.Background(), "step-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "att-1", out[0].ID)
	assert.Nil(t, out[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
