package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/storage"
)

type recordingStore interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	ListByOwner(ctx context.Context, ownerID string, page, size int) ([]models.Recording, int, error)
	Delete(ctx context.Context, id string, audit *models.AuditLog) error
}

type blobStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Open(ref string) (*os.File, error)
	Delete(ref string) error
}

// RecordingConfig bounds uploads and shapes signed audio URLs.
type RecordingConfig struct {
	APIPrefix        string
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// BlobDownload is an opened audio blob resolved from a signed token.
type BlobDownload struct {
	File        *os.File
	ContentType string
	ExpiresAt   time.Time
}

// RecordingService handles ingest and reads of recordings.
type RecordingService struct {
	repo      recordingStore
	blobs     blobStore
	signer    *storage.SignedURLSigner
	validator *validator.Validate
	logger    *zap.Logger
	cfg       RecordingConfig
	allowed   map[string]struct{}
}

// NewRecordingService constructs the service and registers the recording validation tags.
func NewRecordingService(repo recordingStore, blobs blobStore, signer *storage.SignedURLSigner, validate *validator.Validate, logger *zap.Logger, cfg RecordingConfig) *RecordingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 20 * 1024 * 1024
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, m := range cfg.AllowedMIMEs {
		allowed[strings.ToLower(m)] = struct{}{}
	}
	svc := &RecordingService{
		repo:      repo,
		blobs:     blobs,
		signer:    signer,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		allowed:   allowed,
	}
	svc.validator.RegisterValidation("recording_domain", func(fl validator.FieldLevel) bool {
		return models.Domain(fl.Field().String()).Valid()
	})
	svc.validator.RegisterValidation("recorded_via", func(fl validator.FieldLevel) bool {
		return models.RecordedVia(fl.Field().String()).Valid()
	})
	return svc
}

// Create registers a recording whose audio already lives in the blob store. The recording starts pending.
func (s *RecordingService) Create(ctx context.Context, req dto.CreateRecordingRequest) (*dto.RecordingResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	rec := &models.Recording{
		OwnerID:         req.OwnerID,
		StorageRef:      req.StorageRef,
		Language:        req.Language,
		Dialect:         req.Dialect,
		Domain:          req.Domain,
		DurationSeconds: req.DurationSeconds,
		RecordedVia:     req.RecordedVia,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create recording")
	}
	s.logger.Sugar().Infow("recording created", "recording_id", rec.ID, "owner_id", rec.OwnerID, "domain", rec.Domain)
	return s.present(rec, false), nil
}

// Upload stores the audio and registers the recording. The blob is removed again if the row cannot be written.
func (s *RecordingService) Upload(ctx context.Context, ownerID string, data []byte, contentType string, meta dto.UploadMetadata) (*dto.RecordingResponse, error) {
	if len(data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "audio file is empty")
	}
	if int64(len(data)) > s.cfg.MaxFileSizeBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("audio file exceeds %d bytes", s.cfg.MaxFileSizeBytes))
	}
	mediaType, err := s.checkContentType(contentType)
	if err != nil {
		return nil, err
	}
	req := dto.CreateRecordingRequest{
		OwnerID:         ownerID,
		StorageRef:      "pending-upload",
		Language:        meta.Language,
		Dialect:         meta.Dialect,
		Domain:          meta.Domain,
		DurationSeconds: meta.DurationSeconds,
		RecordedVia:     meta.RecordedVia,
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid metadata")
	}

	ref, err := s.blobs.Store(ctx, data, mediaType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store audio")
	}
	req.StorageRef = ref
	resp, err := s.Create(ctx, req)
	if err != nil {
		if delErr := s.blobs.Delete(ref); delErr != nil {
			s.logger.Sugar().Warnw("failed to remove orphaned blob", "storage_ref", ref, "error", delErr)
		}
		return nil, err
	}
	return resp, nil
}

// Get returns the recording to its owner or an admin.
func (s *RecordingService) Get(ctx context.Context, id string, viewer *models.JWTClaims) (*dto.RecordingResponse, error) {
	if viewer == nil {
		return nil, appErrors.ErrUnauthorized
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !viewer.IsAdmin() && rec.OwnerID != viewer.UserID {
		return nil, appErrors.ErrForbidden
	}
	return s.present(rec, viewer.IsAdmin()), nil
}

// OwnerOf returns the owner of a recording.
func (s *RecordingService) OwnerOf(ctx context.Context, id string) (string, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.OwnerID, nil
}

// ListByOwner returns the owner's recordings, newest first.
func (s *RecordingService) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]dto.RecordingResponse, *models.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	items, total, err := s.repo.ListByOwner(ctx, ownerID, page, size)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recordings")
	}
	out := make([]dto.RecordingResponse, 0, len(items))
	for i := range items {
		out = append(out, *s.present(&items[i], false))
	}
	return out, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Delete removes a recording that is not being evaluated. Its ledger entries are rejected, not removed.
func (s *RecordingService) Delete(ctx context.Context, id, actorID string) error {
	rec, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	oldValues, _ := json.Marshal(map[string]interface{}{
		"owner_id":         rec.OwnerID,
		"evaluation_state": rec.EvaluationState,
		"quality":          rec.Quality,
		"storage_ref":      rec.StorageRef,
	})
	audit := &models.AuditLog{
		UserID:     &actorID,
		Action:     models.AuditActionRecordingDelete,
		Resource:   models.AuditResourceRecording,
		ResourceID: &rec.ID,
		OldValues:  oldValues,
	}
	if err := s.repo.Delete(ctx, rec.ID, audit); err != nil {
		switch {
		case errors.Is(err, repository.ErrStateConflict):
			return appErrors.Clone(appErrors.ErrInvalidState, "recording is being evaluated, retry once it settles")
		case errors.Is(err, sql.ErrNoRows):
			return appErrors.Clone(appErrors.ErrNotFound, "recording not found")
		default:
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete recording")
		}
	}
	if err := s.blobs.Delete(rec.StorageRef); err != nil && !errors.Is(err, storage.ErrInvalidRef) {
		s.logger.Sugar().Warnw("failed to delete recording blob", "recording_id", rec.ID, "storage_ref", rec.StorageRef, "error", err)
	}
	s.logger.Sugar().Infow("recording deleted", "recording_id", rec.ID, "actor_id", actorID)
	return nil
}

// OpenBlob resolves a signed audio token.
func (s *RecordingService) OpenBlob(ctx context.Context, token string) (*BlobDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrUnavailable, "audio downloads are disabled")
	}
	recordingID, ref, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	rec, err := s.load(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.StorageRef != ref {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	file, err := s.blobs.Open(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "audio not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open audio")
	}
	return &BlobDownload{File: file, ContentType: storage.ContentTypeFor(ref), ExpiresAt: expiresAt}, nil
}

func (s *RecordingService) load(ctx context.Context, id string) (*models.Recording, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "recording not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recording")
	}
	return rec, nil
}

func (s *RecordingService) checkContentType(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "invalid content type")
	}
	mediaType = strings.ToLower(mediaType)
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[mediaType]; !ok {
			return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("content type %s is not accepted", mediaType))
		}
	}
	return mediaType, nil
}

func (s *RecordingService) present(rec *models.Recording, admin bool) *dto.RecordingResponse {
	resp := &dto.RecordingResponse{
		ID:              rec.ID,
		OwnerID:         rec.OwnerID,
		Language:        rec.Language,
		Dialect:         rec.Dialect,
		Domain:          rec.Domain,
		DurationSeconds: rec.DurationSeconds,
		RecordedVia:     rec.RecordedVia,
		Status:          rec.ContributorStatus(),
		Quality:         rec.Quality,
		Transcription:   rec.Transcription,
		CreatedAt:       rec.CreatedAt,
		EvaluatedAt:     rec.EvaluatedAt,
	}
	if s.signer != nil && strings.HasPrefix(rec.StorageRef, storage.RefScheme) {
		token, expiresAt, err := s.signer.Generate(rec.ID, rec.StorageRef)
		if err != nil {
			s.logger.Sugar().Warnw("failed to sign audio url", "recording_id", rec.ID, "error", err)
		} else {
			resp.AudioURL = fmt.Sprintf("%s/blobs/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token)
			resp.AudioURLExpiresAt = &expiresAt
		}
	}
	if admin {
		attempts := rec.EvaluationAttempts
		resp.EvaluationState = rec.EvaluationState
		resp.FailureReason = rec.FailureReason
		resp.EvaluationAttempts = &attempts
		resp.Score = rec.Score
	}
	return resp
}
