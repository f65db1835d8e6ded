package dto

import (
	"time"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

// CreateRecordingRequest registers a recording whose audio is already in the blob store.
type CreateRecordingRequest struct {
	OwnerID         string             `json:"-" validate:"required"`
	StorageRef      string             `json:"storage_ref" validate:"required,max=512"`
	Language        string             `json:"language" validate:"required,min=2,max=16"`
	Dialect         *string            `json:"dialect,omitempty" validate:"omitempty,max=64"`
	Domain          models.Domain      `json:"domain" validate:"required,recording_domain"`
	DurationSeconds float64            `json:"duration_seconds" validate:"required,gt=0,lte=3600"`
	RecordedVia     models.RecordedVia `json:"recorded_via" validate:"required,recorded_via"`
}

// UploadMetadata carries the form fields sent alongside a multipart audio upload.
type UploadMetadata struct {
	Language        string             `form:"language"`
	Dialect         *string            `form:"dialect"`
	Domain          models.Domain      `form:"domain"`
	DurationSeconds float64            `form:"duration_seconds"`
	RecordedVia     models.RecordedVia `form:"recorded_via"`
}

// RecordingResponse is the read model returned for a recording.
type RecordingResponse struct {
	ID                string                   `json:"id"`
	OwnerID           string                   `json:"owner_id"`
	Language          string                   `json:"language"`
	Dialect           *string                  `json:"dialect,omitempty"`
	Domain            models.Domain            `json:"domain"`
	DurationSeconds   float64                  `json:"duration_seconds"`
	RecordedVia       models.RecordedVia       `json:"recorded_via"`
	Status            models.ContributorStatus `json:"status"`
	Quality           *models.Quality          `json:"quality,omitempty"`
	Transcription     *string                  `json:"transcription,omitempty"`
	AudioURL          string                   `json:"audio_url,omitempty"`
	AudioURLExpiresAt *time.Time               `json:"audio_url_expires_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	EvaluatedAt       *time.Time               `json:"evaluated_at,omitempty"`

	// Operator fields, populated for admins only.
	EvaluationState    models.EvaluationState `json:"evaluation_state,omitempty"`
	FailureReason      *string                `json:"failure_reason,omitempty"`
	EvaluationAttempts *int                   `json:"evaluation_attempts,omitempty"`
	Score              *float64               `json:"score,omitempty"`
}

// EvaluationResult is returned by a completed evaluation.
type EvaluationResult struct {
	RecordingID string                  `json:"recording_id"`
	State       models.EvaluationState  `json:"state"`
	Quality     models.Quality          `json:"quality"`
	Amount      int                     `json:"amount"`
	Score       float64                 `json:"score"`
	TokenID     string                  `json:"token_id"`
	Method      models.EvaluationMethod `json:"method"`
}

// EvaluationQueuedResponse acknowledges an asynchronous evaluation request.
type EvaluationQueuedResponse struct {
	RecordingID string `json:"recording_id"`
	Queued      bool   `json:"queued"`
}

// ReevaluateRequest is the admin payload for forcing a new evaluation.
type ReevaluateRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// TokenStatusRequest is the admin payload for approving or rejecting a ledger entry.
type TokenStatusRequest struct {
	Status models.TokenStatus `json:"status" validate:"required,oneof=approved rejected"`
	Note   string             `json:"note" validate:"max=500"`
}

// ReconciliationReport summarises one reconciliation pass.
type ReconciliationReport struct {
	Recommitted    int       `json:"recommitted"`
	ClaimsExpired  int       `json:"claims_expired"`
	FailedRequeued int       `json:"failed_requeued"`
	PendingQueued  int       `json:"pending_queued"`
	NeedsReview    int       `json:"needs_review"`
	Errors         int       `json:"errors"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// RecordingHistory is the operator view of everything the ledger and audit trail hold for a recording.
type RecordingHistory struct {
	RecordingID string               `json:"recording_id"`
	Tokens      []models.RewardToken `json:"tokens"`
	Audit       []models.AuditLog    `json:"audit"`
}
