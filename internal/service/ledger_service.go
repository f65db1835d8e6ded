package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
)

type ledgerStore interface {
	GetByID(ctx context.Context, id string) (*models.RewardToken, error)
	BalanceOf(ctx context.Context, userID string) (int64, error)
	ListTokens(ctx context.Context, userID string, filter models.TokenFilter) ([]models.RewardToken, int, error)
	SetStatus(ctx context.Context, id string, from, to models.TokenStatus, audit *models.AuditLog) error
}

// statementLimit bounds the number of ledger entries rendered into one statement export.
const statementLimit = 100

// LedgerService exposes balances and token history and lets admins review entries.
type LedgerService struct {
	repo      ledgerStore
	cache     statsInvalidator
	exporter  *ExportService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewLedgerService constructs the service.
func NewLedgerService(repo ledgerStore, cache statsInvalidator, exporter *ExportService, validate *validator.Validate, logger *zap.Logger) *LedgerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exporter == nil {
		exporter = NewExportService(logger, nil, nil)
	}
	return &LedgerService{repo: repo, cache: cache, exporter: exporter, validator: validate, logger: logger}
}

// BalanceOf sums the user's non-rejected tokens.
func (s *LedgerService) BalanceOf(ctx context.Context, userID string) (*models.Balance, error) {
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	total, err := s.repo.BalanceOf(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute balance")
	}
	return &models.Balance{UserID: userID, Balance: total}, nil
}

// ListTokens returns the user's ledger entries, most recent first.
func (s *LedgerService) ListTokens(ctx context.Context, userID string, filter models.TokenFilter) ([]models.RewardToken, *models.Pagination, error) {
	if filter.Method != nil && !filter.Method.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown method filter")
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown status filter")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	tokens, total, err := s.repo.ListTokens(ctx, userID, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list reward tokens")
	}
	return tokens, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// ExportStatement renders the user's most recent ledger entries and current balance.
func (s *LedgerService) ExportStatement(ctx context.Context, userID string, format export.Format) (*ExportResult, error) {
	balance, err := s.BalanceOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	tokens, _, err := s.ListTokens(ctx, userID, models.TokenFilter{Page: 1, PageSize: statementLimit})
	if err != nil {
		return nil, err
	}
	return s.exporter.TokenStatement(userID, tokens, balance.Balance, format)
}

// SetStatus moves a token through its review lifecycle and records who did it.
func (s *LedgerService) SetStatus(ctx context.Context, tokenID string, req dto.TokenStatusRequest, actorID string) (*models.RewardToken, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	token, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "reward token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reward token")
	}
	if !token.Status.CanTransitionTo(req.Status) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("token cannot move from %s to %s", token.Status, req.Status))
	}

	oldValues, _ := json.Marshal(map[string]interface{}{"status": token.Status})
	newValues, _ := json.Marshal(map[string]interface{}{"status": req.Status, "note": req.Note})
	audit := &models.AuditLog{
		UserID:     &actorID,
		Action:     models.AuditActionTokenStatusChange,
		Resource:   models.AuditResourceToken,
		ResourceID: &token.ID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if err := s.repo.SetStatus(ctx, token.ID, token.Status, req.Status, audit); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "token status changed concurrently, reload and retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update token status")
	}

	s.logger.Sugar().Infow("reward token status changed", "token_id", token.ID, "user_id", token.UserID,
		"from", token.Status, "to", req.Status, "actor_id", actorID)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, StatsCachePattern); err != nil {
			s.logger.Sugar().Warnw("failed to invalidate stats cache", "error", err)
		}
	}
	token.Status = req.Status
	return token, nil
}
