package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegis-id/liveness-service/internal/middleware"
	"github.com/aegis-id/liveness-service/internal/models"
)

// ProtectedHandler serves GET /api/protected, gated by middleware.Auth.
type ProtectedHandler struct{}

func NewProtectedHandler() *ProtectedHandler {
	return &ProtectedHandler{}
}

func (h *ProtectedHandler) Get(c *gin.Context) {
	raw, exists := c.Get(middleware.TokenRecordKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token context", "code": "UNAUTHORIZED"})
		return
	}
	record := raw.(models.TokenRecord)

	c.JSON(http.StatusOK, gin.H{
		"message":          "access granted",
		"user":             record.Subject,
		"token_issued_at":  record.IssuedAt,
		"token_expires_at": record.ExpiresAt,
		"access_level":     "verified",
	})
}
