package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
	"github.com/noah-isme/voice-reward-api/pkg/response"
)

type ledgerService interface {
	BalanceOf(ctx context.Context, userID string) (*models.Balance, error)
	ListTokens(ctx context.Context, userID string, filter models.TokenFilter) ([]models.RewardToken, *models.Pagination, error)
	ExportStatement(ctx context.Context, userID string, format export.Format) (*service.ExportResult, error)
}

type contributionStatsService interface {
	ContributionStats(ctx context.Context, userID string) (*models.ContributionStats, error)
}

// MeHandler exposes the caller's own ledger and statistics.
type MeHandler struct {
	ledger ledgerService
	stats  contributionStatsService
}

// NewMeHandler constructs the handler.
func NewMeHandler(ledger ledgerService, stats contributionStatsService) *MeHandler {
	return &MeHandler{ledger: ledger, stats: stats}
}

// Balance godoc
// @Summary Current token balance
// @Tags Me
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /me/balance [get]
func (h *MeHandler) Balance(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	balance, err := h.ledger.BalanceOf(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, balance, nil)
}

// Tokens godoc
// @Summary List reward tokens
// @Tags Me
// @Produce json
// @Param method query string false "api, worker or reconciliation"
// @Param status query string false "pending, approved or rejected"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /me/tokens [get]
func (h *MeHandler) Tokens(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := models.TokenFilter{}
	filter.Page, filter.PageSize = pagingFromQuery(c)
	if raw := strings.TrimSpace(c.Query("method")); raw != "" {
		method := models.EvaluationMethod(strings.ToLower(raw))
		filter.Method = &method
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := models.TokenStatus(strings.ToLower(raw))
		filter.Status = &status
	}
	tokens, pagination, err := h.ledger.ListTokens(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tokens, pagination)
}

// ExportTokens godoc
// @Summary Export the caller's token statement
// @Tags Me
// @Produce octet-stream
// @Param format query string false "csv or pdf"
// @Success 200 {file} binary
// @Router /me/tokens/export [get]
func (h *MeHandler) ExportTokens(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	result, err := h.ledger.ExportStatement(c.Request.Context(), claims.UserID, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeExport(c, result)
}

// Stats godoc
// @Summary Contribution statistics
// @Tags Me
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /me/stats [get]
func (h *MeHandler) Stats(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	stats, err := h.stats.ContributionStats(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

func writeExport(c *gin.Context, result *service.ExportResult) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, result.ContentType, result.Payload)
}
