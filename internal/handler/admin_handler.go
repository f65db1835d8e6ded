package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
	"github.com/noah-isme/voice-reward-api/pkg/response"
)

type tokenStatsService interface {
	TokenStats(ctx context.Context) (*models.TokenStats, error)
	ExportTokenStats(ctx context.Context, format export.Format) (*service.ExportResult, error)
}

type reevaluator interface {
	ForceReevaluate(ctx context.Context, recordingID, actorID, reason string) (*dto.EvaluationResult, error)
}

type recordingRemover interface {
	Delete(ctx context.Context, id, actorID string) error
}

type tokenStatusService interface {
	SetStatus(ctx context.Context, tokenID string, req dto.TokenStatusRequest, actorID string) (*models.RewardToken, error)
}

type historyService interface {
	RecordingHistory(ctx context.Context, recordingID string) (*dto.RecordingHistory, error)
}

type reconciler interface {
	RunOnce(ctx context.Context) (*dto.ReconciliationReport, error)
	ListNeedsReview(ctx context.Context, limit int) ([]models.Recording, error)
}

// AdminHandler exposes operator endpoints.
type AdminHandler struct {
	stats      tokenStatsService
	evaluator  reevaluator
	recordings recordingRemover
	tokens     tokenStatusService
	reconciler reconciler
	history    historyService
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(stats tokenStatsService, evaluator reevaluator, recordings recordingRemover, tokens tokenStatusService, reconciler reconciler, history historyService) *AdminHandler {
	return &AdminHandler{stats: stats, evaluator: evaluator, recordings: recordings, tokens: tokens, reconciler: reconciler, history: history}
}

// TokenStats godoc
// @Summary Ledger-wide token statistics
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/stats/tokens [get]
func (h *AdminHandler) TokenStats(c *gin.Context) {
	stats, err := h.stats.TokenStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// ExportTokenStats godoc
// @Summary Export token statistics
// @Tags Admin
// @Produce octet-stream
// @Param format query string false "csv or pdf"
// @Success 200 {file} binary
// @Router /admin/stats/tokens/export [get]
func (h *AdminHandler) ExportTokenStats(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	result, err := h.stats.ExportTokenStats(c.Request.Context(), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeExport(c, result)
}

// NeedsReview godoc
// @Summary Recordings whose automatic evaluation gave up
// @Tags Admin
// @Produce json
// @Param limit query int false "Maximum rows"
// @Success 200 {object} response.Envelope
// @Router /admin/recordings/review [get]
func (h *AdminHandler) NeedsReview(c *gin.Context) {
	limit := 50
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		limit = v
	}
	items, err := h.reconciler.ListNeedsReview(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Reevaluate godoc
// @Summary Force a new evaluation of a recording
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Recording ID"
// @Param payload body dto.ReevaluateRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /admin/recordings/{id}/reevaluate [post]
func (h *AdminHandler) Reevaluate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ReevaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "reason is required"))
		return
	}
	result, err := h.evaluator.ForceReevaluate(c.Request.Context(), c.Param("id"), claims.UserID, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// RecordingHistory godoc
// @Summary Ledger and audit history of a recording
// @Tags Admin
// @Produce json
// @Param id path string true "Recording ID"
// @Success 200 {object} response.Envelope
// @Router /admin/recordings/{id}/history [get]
func (h *AdminHandler) RecordingHistory(c *gin.Context) {
	history, err := h.history.RecordingHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// DeleteRecording godoc
// @Summary Delete a recording
// @Tags Admin
// @Produce json
// @Param id path string true "Recording ID"
// @Success 204
// @Router /admin/recordings/{id} [delete]
func (h *AdminHandler) DeleteRecording(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.recordings.Delete(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// SetTokenStatus godoc
// @Summary Approve or reject a reward token
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Token ID"
// @Param payload body dto.TokenStatusRequest true "New status"
// @Success 200 {object} response.Envelope
// @Router /admin/tokens/{id}/status [patch]
func (h *AdminHandler) SetTokenStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.TokenStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}
	token, err := h.tokens.SetStatus(c.Request.Context(), c.Param("id"), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, token, nil)
}

// Reconcile godoc
// @Summary Run one reconciliation pass now
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/reconcile [post]
func (h *AdminHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
