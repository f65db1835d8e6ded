package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

var recordingColumnNames = []string{
	"id", "owner_id", "storage_ref", "language", "dialect", "domain", "duration_seconds", "recorded_via",
	"evaluation_state", "quality", "transcription", "score", "pending_quality", "pending_amount", "pending_transcription",
	"failure_reason", "evaluation_attempts", "claimed_at", "evaluated_at", "created_at", "updated_at",
}

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func recordingRows(id string, state models.EvaluationState, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordingColumnNames).AddRow(
		id, "user-1", "local://recordings/2026/10/a.wav", "sw", nil, "health", 12.5, "device",
		string(state), nil, nil, nil, nil, nil, nil,
		nil, attempts, now, nil, now, now,
	)
}

func TestRecordingRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recordings")).
		WithArgs(sqlmock.AnyArg(), "user-1", "local://x.wav", "sw", nil, models.DomainHealth, 12.5, models.RecordedViaWeb, models.EvaluationPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.Recording{
		OwnerID:         "user-1",
		StorageRef:      "local://x.wav",
		Language:        "sw",
		Domain:          models.DomainHealth,
		DurationSeconds: 12.5,
		RecordedVia:     models.RecordedViaWeb,
	}
	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, models.EvaluationPending, rec.EvaluationState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryClaim(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'in_progress'")).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnRows(recordingRows("rec-1", models.EvaluationInProgress, 1))

	rec, ok, err := repo.ClaimForEvaluation(context.Background(), "rec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.EvaluationInProgress, rec.EvaluationState)
	assert.Equal(t, 1, rec.EvaluationAttempts)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'in_progress'")).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(recordingColumnNames))

	rec, ok, err = repo.ClaimForEvaluation(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryCommitScored(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	result := models.ScoredResult{Score: 72, Quality: models.QualityGood, Amount: 5}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'scored'")).
		WithArgs("rec-1", models.QualityGood, nil, 72.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reward_tokens")).
		WithArgs(sqlmock.AnyArg(), "user-1", "rec-1", 5, models.QualityGood, models.ReasonEvaluatedContribution, models.MethodAPI, models.TokenStatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	token := &models.RewardToken{UserID: "user-1", Method: models.MethodAPI}
	require.NoError(t, repo.CommitScored(context.Background(), "rec-1", result, token))
	assert.NotEmpty(t, token.ID)
	assert.Equal(t, 5, token.Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryCommitScoredNotInProgress(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'scored'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CommitScored(context.Background(), "rec-1", models.ScoredResult{Quality: models.QualityBad, Amount: 1}, &models.RewardToken{UserID: "user-1"})
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryCommitScoredDuplicateRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'scored'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reward_tokens")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := repo.CommitScored(context.Background(), "rec-1", models.ScoredResult{Quality: models.QualityGood, Amount: 5}, &models.RewardToken{UserID: "user-1"})
	require.ErrorIs(t, err, ErrDuplicateToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryMarkFailedRequiresInProgress(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'failed'")).
		WithArgs("rec-1", "SCORER_TIMEOUT", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkFailed(context.Background(), "rec-1", "SCORER_TIMEOUT"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'failed'")).
		WithArgs("rec-2", "SCORER_TIMEOUT", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, repo.MarkFailed(context.Background(), "rec-2", "SCORER_TIMEOUT"), ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryExpireClaimSkipsStashedRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND evaluation_state = 'in_progress' AND pending_quality IS NULL")).
		WithArgs("rec-1", "CLAIM_EXPIRED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ExpireClaim(context.Background(), "rec-1", "CLAIM_EXPIRED"))

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND evaluation_state = 'in_progress' AND pending_quality IS NULL")).
		WithArgs("rec-2", "CLAIM_EXPIRED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, repo.ExpireClaim(context.Background(), "rec-2", "CLAIM_EXPIRED"), ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryListPendingOldestFirst(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM recordings WHERE evaluation_state = 'pending' ORDER BY created_at ASC LIMIT $1")).
		WithArgs(50).
		WillReturnRows(recordingRows("rec-1", models.EvaluationPending, 0))

	items, err := repo.ListPendingEvaluation(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryListRetryableFailed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("failure_reason = ANY($1) AND evaluation_attempts < $2")).
		WithArgs(sqlmock.AnyArg(), 5, 100).
		WillReturnRows(recordingRows("rec-9", models.EvaluationFailed, 2))

	items, err := repo.ListRetryableFailed(context.Background(), []string{"SCORER_TIMEOUT"}, 5, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rec-9", items[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryRevokeForReevaluation(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recordings SET evaluation_state = 'pending', quality = NULL")).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reward_tokens SET status = 'rejected' WHERE recording_id = $1")).
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	actor := "admin-1"
	err := repo.RevokeForReevaluation(context.Background(), "rec-1", &models.AuditLog{UserID: &actor, Action: models.AuditActionRecordingReevaluate, Resource: models.AuditResourceRecording})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryDeleteRefusesInProgress(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT evaluation_state FROM recordings WHERE id = $1 FOR UPDATE")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"evaluation_state"}).AddRow("in_progress"))
	mock.ExpectRollback()

	err := repo.Delete(context.Background(), "rec-1", nil)
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT evaluation_state FROM recordings WHERE id = $1 FOR UPDATE")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"evaluation_state"}).AddRow("scored"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reward_tokens SET status = 'rejected'")).
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM recordings WHERE id = $1")).
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), "rec-1", &models.AuditLog{Action: models.AuditActionRecordingDelete, Resource: models.AuditResourceRecording}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordingRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM recordings WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}
