package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
)

type tokenHistory interface {
	ListByRecording(ctx context.Context, recordingID string) ([]models.RewardToken, error)
}

type auditReader interface {
	ListByResource(ctx context.Context, resource, resourceID string) ([]models.AuditLog, error)
}

// HistoryService assembles the ledger and audit trail of a recording. Both survive deletion of the recording.
type HistoryService struct {
	tokens tokenHistory
	audits auditReader
	logger *zap.Logger
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(tokens tokenHistory, audits auditReader, logger *zap.Logger) *HistoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryService{tokens: tokens, audits: audits, logger: logger}
}

// RecordingHistory returns every token issued for recordingID, oldest first, and its audit entries, newest first.
func (s *HistoryService) RecordingHistory(ctx context.Context, recordingID string) (*dto.RecordingHistory, error) {
	recordingID = strings.TrimSpace(recordingID)
	if recordingID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "recording id is required")
	}
	tokens, err := s.tokens.ListByRecording(ctx, recordingID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger history")
	}
	audits, err := s.audits.ListByResource(ctx, models.AuditResourceRecording, recordingID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit history")
	}
	if len(tokens) == 0 && len(audits) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no history for recording")
	}
	if tokens == nil {
		tokens = []models.RewardToken{}
	}
	if audits == nil {
		audits = []models.AuditLog{}
	}
	return &dto.RecordingHistory{RecordingID: recordingID, Tokens: tokens, Audit: audits}, nil
}
