package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

const rewardTokenColumns = `id, user_id, recording_id, amount, quality_at_issuance, reason, method, status, created_at`

const insertRewardTokenQuery = `INSERT INTO reward_tokens (` + rewardTokenColumns + `)
VALUES (:id, :user_id, :recording_id, :amount, :quality_at_issuance, :reason, :method, :status, :created_at)`

// RewardRepository is the append-only token ledger.
type RewardRepository struct {
	db *sqlx.DB
}

// NewRewardRepository constructs the repository.
func NewRewardRepository(db *sqlx.DB) *RewardRepository {
	return &RewardRepository{db: db}
}

// GetByID fetches a token.
func (r *RewardRepository) GetByID(ctx context.Context, id string) (*models.RewardToken, error) {
	query := `SELECT ` + rewardTokenColumns + ` FROM reward_tokens WHERE id = $1`
	var token models.RewardToken
	if err := r.db.GetContext(ctx, &token, query, id); err != nil {
		return nil, fmt.Errorf("get reward token: %w", err)
	}
	return &token, nil
}

// BalanceOf sums the user's non-rejected tokens.
func (r *RewardRepository) BalanceOf(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM reward_tokens WHERE user_id = $1 AND status <> 'rejected'`
	var balance int64
	if err := r.db.GetContext(ctx, &balance, query, userID); err != nil {
		return 0, fmt.Errorf("balance of user: %w", err)
	}
	return balance, nil
}

// ListTokens returns a user's tokens, most recent first, with the unpaged total.
func (r *RewardRepository) ListTokens(ctx context.Context, userID string, filter models.TokenFilter) ([]models.RewardToken, int, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}
	if filter.Method != nil {
		args = append(args, *filter.Method)
		conditions = append(conditions, fmt.Sprintf("method = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM reward_tokens"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count reward tokens: %w", err)
	}

	page, size := normalisePage(filter.Page, filter.PageSize)
	query := fmt.Sprintf("SELECT %s FROM reward_tokens%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		rewardTokenColumns, where, len(args)+1, len(args)+2)
	args = append(args, size, (page-1)*size)

	var tokens []models.RewardToken
	if err := r.db.SelectContext(ctx, &tokens, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list reward tokens: %w", err)
	}
	return tokens, total, nil
}

// ListByRecording returns every ledger entry ever written for a recording.
func (r *RewardRepository) ListByRecording(ctx context.Context, recordingID string) ([]models.RewardToken, error) {
	query := `SELECT ` + rewardTokenColumns + ` FROM reward_tokens WHERE recording_id = $1 ORDER BY created_at ASC`
	var tokens []models.RewardToken
	if err := r.db.SelectContext(ctx, &tokens, query, recordingID); err != nil {
		return nil, fmt.Errorf("list reward tokens by recording: %w", err)
	}
	return tokens, nil
}

// SetStatus moves a token from one status to another and writes the audit entry in the same transaction.
// It returns ErrStateConflict when the token is no longer in the expected status.
func (r *RewardRepository) SetStatus(ctx context.Context, id string, from, to models.TokenStatus, audit *models.AuditLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set token status: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE reward_tokens SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return fmt.Errorf("update token status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("token status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStateConflict
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token status: %w", err)
	}
	committed = true
	return nil
}

func insertRewardToken(ctx context.Context, ext sqlx.ExtContext, token *models.RewardToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.Status == "" {
		token.Status = models.TokenStatusPending
	}
	if token.Reason == "" {
		token.Reason = models.ReasonEvaluatedContribution
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, insertRewardTokenQuery, token); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert reward token for recording %s: %w", token.RecordingID, ErrDuplicateToken)
		}
		return fmt.Errorf("insert reward token: %w", err)
	}
	return nil
}

// rejectActiveTokens marks every non-rejected token of a recording as rejected.
func rejectActiveTokens(ctx context.Context, ext sqlx.ExtContext, recordingID string) (int64, error) {
	res, err := ext.ExecContext(ctx, `UPDATE reward_tokens SET status = 'rejected' WHERE recording_id = $1 AND status <> 'rejected'`, recordingID)
	if err != nil {
		return 0, fmt.Errorf("reject reward tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reject reward tokens rows affected: %w", err)
	}
	return affected, nil
}

func normalisePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
