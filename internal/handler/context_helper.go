package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/voice-reward-api/internal/middleware"
	"github.com/noah-isme/voice-reward-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// pagingFromQuery reads page and page_size. Bounds are enforced by the services.
func pagingFromQuery(c *gin.Context) (int, int) {
	page, size := 1, 20
	if v, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		page = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil {
		size = v
	}
	return page, size
}
