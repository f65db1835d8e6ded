package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

const recordingColumns = `id, owner_id, storage_ref, language, dialect, domain, duration_seconds, recorded_via,
evaluation_state, quality, transcription, score, pending_quality, pending_amount, pending_transcription,
failure_reason, evaluation_attempts, claimed_at, evaluated_at, created_at, updated_at`

// RecordingRepository persists recordings and owns their evaluation state transitions.
// Every transition is a conditional write on evaluation_state.
type RecordingRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRecordingRepository constructs the repository.
func NewRecordingRepository(db *sqlx.DB) *RecordingRepository {
	return &RecordingRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a recording in the pending state.
func (r *RecordingRepository) Create(ctx context.Context, rec *models.Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.EvaluationState = models.EvaluationPending
	const query = `INSERT INTO recordings (id, owner_id, storage_ref, language, dialect, domain, duration_seconds, recorded_via, evaluation_state, created_at, updated_at)
VALUES (:id, :owner_id, :storage_ref, :language, :dialect, :domain, :duration_seconds, :recorded_via, :evaluation_state, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

// GetByID fetches a recording. Missing rows surface as sql.ErrNoRows.
func (r *RecordingRepository) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	var rec models.Recording
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return &rec, nil
}

// ClaimForEvaluation moves a pending or failed recording to in_progress and bumps its attempt counter.
// It reports false without error when the row exists in any other state or does not exist.
func (r *RecordingRepository) ClaimForEvaluation(ctx context.Context, id string) (*models.Recording, bool, error) {
	query := `UPDATE recordings SET evaluation_state = 'in_progress', evaluation_attempts = evaluation_attempts + 1,
claimed_at = $2, updated_at = $2, failure_reason = NULL, score = NULL,
pending_quality = NULL, pending_amount = NULL, pending_transcription = NULL
WHERE id = $1 AND evaluation_state IN ('pending', 'failed')
RETURNING ` + recordingColumns
	var rec models.Recording
	if err := r.db.GetContext(ctx, &rec, query, id, r.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim recording: %w", err)
	}
	return &rec, true, nil
}

// StashResult stores a classified result on an in_progress row so the commit can be retried without re-scoring.
func (r *RecordingRepository) StashResult(ctx context.Context, id string, result models.ScoredResult) error {
	const query = `UPDATE recordings SET score = $2, pending_quality = $3, pending_amount = $4, pending_transcription = $5, updated_at = $6
WHERE id = $1 AND evaluation_state = 'in_progress'`
	res, err := r.db.ExecContext(ctx, query, id, result.Score, result.Quality, result.Amount, result.Transcription, r.now())
	if err != nil {
		return fmt.Errorf("stash evaluation result: %w", err)
	}
	return expectOneRow(res, "stash evaluation result")
}

// CommitScored finalises an in_progress recording and inserts its reward token in one transaction.
// A row no longer in_progress yields ErrStateConflict; an existing active token yields ErrDuplicateToken.
// On any error nothing is written.
func (r *RecordingRepository) CommitScored(ctx context.Context, id string, result models.ScoredResult, token *models.RewardToken) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit scored: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := r.now()
	const update = `UPDATE recordings SET evaluation_state = 'scored', quality = $2, transcription = $3, score = $4,
pending_quality = NULL, pending_amount = NULL, pending_transcription = NULL, failure_reason = NULL,
claimed_at = NULL, evaluated_at = $5, updated_at = $5
WHERE id = $1 AND evaluation_state = 'in_progress'`
	res, err := tx.ExecContext(ctx, update, id, result.Quality, result.Transcription, result.Score, now)
	if err != nil {
		return fmt.Errorf("mark recording scored: %w", err)
	}
	if err := expectOneRow(res, "mark recording scored"); err != nil {
		return err
	}

	token.RecordingID = id
	token.Amount = result.Amount
	token.QualityAtIssuance = result.Quality
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	if err := insertRewardToken(ctx, tx, token); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scored: %w", err)
	}
	committed = true
	return nil
}

// MarkFailed moves an in_progress recording to failed with a reason code.
func (r *RecordingRepository) MarkFailed(ctx context.Context, id, reason string) error {
	const query = `UPDATE recordings SET evaluation_state = 'failed', failure_reason = $2, claimed_at = NULL,
pending_quality = NULL, pending_amount = NULL, pending_transcription = NULL, updated_at = $3
WHERE id = $1 AND evaluation_state = 'in_progress'`
	res, err := r.db.ExecContext(ctx, query, id, reason, r.now())
	if err != nil {
		return fmt.Errorf("mark recording failed: %w", err)
	}
	return expectOneRow(res, "mark recording failed")
}

// ExpireClaim is MarkFailed for abandoned claims. Rows that hold a stashed result are left alone.
func (r *RecordingRepository) ExpireClaim(ctx context.Context, id, reason string) error {
	const query = `UPDATE recordings SET evaluation_state = 'failed', failure_reason = $2, claimed_at = NULL, updated_at = $3
WHERE id = $1 AND evaluation_state = 'in_progress' AND pending_quality IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, reason, r.now())
	if err != nil {
		return fmt.Errorf("expire recording claim: %w", err)
	}
	return expectOneRow(res, "expire recording claim")
}

// ResetToPending is the explicit failed -> pending retry transition.
func (r *RecordingRepository) ResetToPending(ctx context.Context, id string) error {
	const query = `UPDATE recordings SET evaluation_state = 'pending', updated_at = $2
WHERE id = $1 AND evaluation_state = 'failed'`
	res, err := r.db.ExecContext(ctx, query, id, r.now())
	if err != nil {
		return fmt.Errorf("reset recording to pending: %w", err)
	}
	return expectOneRow(res, "reset recording to pending")
}

// ListPendingEvaluation returns pending recordings oldest first.
func (r *RecordingRepository) ListPendingEvaluation(ctx context.Context, limit int) ([]models.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE evaluation_state = 'pending' ORDER BY created_at ASC LIMIT $1`
	return r.list(ctx, "list pending recordings", query, limitOrDefault(limit))
}

// ListStaleInProgress returns in_progress recordings whose claim is older than before.
func (r *RecordingRepository) ListStaleInProgress(ctx context.Context, before time.Time, limit int) ([]models.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
WHERE evaluation_state = 'in_progress' AND (claimed_at IS NULL OR claimed_at < $1) ORDER BY claimed_at ASC NULLS FIRST LIMIT $2`
	return r.list(ctx, "list stale recordings", query, before, limitOrDefault(limit))
}

// ListRetryableFailed returns failed recordings with one of reasons and fewer than maxAttempts attempts.
func (r *RecordingRepository) ListRetryableFailed(ctx context.Context, reasons []string, maxAttempts, limit int) ([]models.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
WHERE evaluation_state = 'failed' AND failure_reason = ANY($1) AND evaluation_attempts < $2 ORDER BY updated_at ASC LIMIT $3`
	return r.list(ctx, "list retryable recordings", query, pq.Array(reasons), maxAttempts, limitOrDefault(limit))
}

// ListNeedsReview returns failed recordings that reconciliation will no longer retry.
func (r *RecordingRepository) ListNeedsReview(ctx context.Context, retryableReasons []string, maxAttempts, limit int) ([]models.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
WHERE evaluation_state = 'failed' AND (failure_reason IS NULL OR NOT (failure_reason = ANY($1)) OR evaluation_attempts >= $2)
ORDER BY updated_at DESC LIMIT $3`
	return r.list(ctx, "list recordings needing review", query, pq.Array(retryableReasons), maxAttempts, limitOrDefault(limit))
}

// ListByOwner returns a page of the owner's recordings, newest first, with the unpaged total.
func (r *RecordingRepository) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]models.Recording, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM recordings WHERE owner_id = $1`, ownerID); err != nil {
		return nil, 0, fmt.Errorf("count recordings: %w", err)
	}
	page, size = normalisePage(page, size)
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	items, err := r.list(ctx, "list recordings by owner", query, ownerID, size, (page-1)*size)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// RevokeForReevaluation rejects the recording's active tokens, resets it from scored to pending
// and writes the audit entry, all in one transaction.
func (r *RecordingRepository) RevokeForReevaluation(ctx context.Context, id string, audit *models.AuditLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke for reevaluation: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const reset = `UPDATE recordings SET evaluation_state = 'pending', quality = NULL, transcription = NULL, score = NULL,
failure_reason = NULL, evaluated_at = NULL, updated_at = $2
WHERE id = $1 AND evaluation_state = 'scored'`
	res, err := tx.ExecContext(ctx, reset, id, r.now())
	if err != nil {
		return fmt.Errorf("reset scored recording: %w", err)
	}
	if err := expectOneRow(res, "reset scored recording"); err != nil {
		return err
	}
	if _, err := rejectActiveTokens(ctx, tx, id); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke for reevaluation: %w", err)
	}
	committed = true
	return nil
}

// Delete removes a recording that is not being evaluated, rejecting its ledger entries
// and writing the audit entry in the same transaction.
func (r *RecordingRepository) Delete(ctx context.Context, id string, audit *models.AuditLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete recording: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var state models.EvaluationState
	if err := tx.GetContext(ctx, &state, `SELECT evaluation_state FROM recordings WHERE id = $1 FOR UPDATE`, id); err != nil {
		return fmt.Errorf("lock recording: %w", err)
	}
	if state == models.EvaluationInProgress {
		return ErrStateConflict
	}
	if _, err := rejectActiveTokens(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete recording: %w", err)
	}
	committed = true
	return nil
}

func (r *RecordingRepository) list(ctx context.Context, op, query string, args ...interface{}) ([]models.Recording, error) {
	var items []models.Recording
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

func expectOneRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected != 1 {
		return ErrStateConflict
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
