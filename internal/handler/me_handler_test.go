package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/voice-reward-api/internal/middleware"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	"github.com/noah-isme/voice-reward-api/pkg/export"
)

type meServicesMock struct {
	userID string
	filter models.TokenFilter
	format export.Format
}

func (m *meServicesMock) BalanceOf(ctx context.Context, userID string) (*models.Balance, error) {
	m.userID = userID
	return &models.Balance{UserID: userID, Balance: 13}, nil
}

func (m *meServicesMock) ListTokens(ctx context.Context, userID string, filter models.TokenFilter) ([]models.RewardToken, *models.Pagination, error) {
	m.userID, m.filter = userID, filter
	return []models.RewardToken{}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (m *meServicesMock) ExportStatement(ctx context.Context, userID string, format export.Format) (*service.ExportResult, error) {
	m.userID, m.format = userID, format
	return &service.ExportResult{Filename: "statement.pdf", Format: format, ContentType: "application/pdf", Payload: []byte("%PDF-1.3")}, nil
}

func (m *meServicesMock) ContributionStats(ctx context.Context, userID string) (*models.ContributionStats, error) {
	m.userID = userID
	return &models.ContributionStats{UserID: userID, PerDomain: []models.DomainContribution{}}, nil
}

func TestMeHandlerBalance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := &meServicesMock{}
	h := NewMeHandler(m, m)

	c, w := newGinContext(http.MethodGet, "/me/balance", nil)
	c.Set(middleware.ContextUserKey, contributor("user-1"))
	h.Balance(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.EqualValues(t, 13, data["balance"])

	c, w = newGinContext(http.MethodGet, "/me/balance", nil)
	h.Balance(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeHandlerTokensParsesFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := &meServicesMock{}
	h := NewMeHandler(m, m)

	c, w := newGinContext(http.MethodGet, "/me/tokens?method=Worker&status=approved&page=3&page_size=10", nil)
	c.Set(middleware.ContextUserKey, contributor("user-1"))
	h.Tokens(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, m.filter.Method)
	assert.Equal(t, models.MethodWorker, *m.filter.Method)
	require.NotNil(t, m.filter.Status)
	assert.Equal(t, models.TokenStatusApproved, *m.filter.Status)
	assert.Equal(t, 3, m.filter.Page)
	assert.Equal(t, 10, m.filter.PageSize)
}

func TestMeHandlerExportAndStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := &meServicesMock{}
	h := NewMeHandler(m, m)

	c, w := newGinContext(http.MethodGet, "/me/tokens/export?format=pdf", nil)
	c.Set(middleware.ContextUserKey, contributor("user-1"))
	h.ExportTokens(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.FormatPDF, m.format)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))

	c, w = newGinContext(http.MethodGet, "/me/stats", nil)
	c.Set(middleware.ContextUserKey, contributor("user-9"))
	h.Stats(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", m.userID)
}
