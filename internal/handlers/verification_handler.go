package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegis-id/liveness-service/internal/challenge"
	"github.com/aegis-id/liveness-service/internal/orchestrator"
)

// VerificationHandler exposes the HTTP surface described in spec.md §6 over
// the Verification Orchestrator.
type VerificationHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

func NewVerificationHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{orch: orch, logger: logger}
}

// ChallengeRequest is the (empty) body of POST /api/challenge; an optional
// step_count lets a caller request a longer sequence than the default.
type ChallengeRequest struct {
	StepCount int `json:"step_count"`
}

func (h *VerificationHandler) CreateChallenge(c *gin.Context) {
	var req ChallengeRequest
	// An empty body is valid; only reject genuinely malformed JSON.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "MALFORMED_REQUEST"})
			return
		}
	}

	ch, err := h.orch.GenerateChallenge(req.StepCount)
	if err != nil {
		h.logger.Error("challenge generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create challenge", "code": "STORE_ERROR"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge_id":       ch.ID,
		"steps":              ch.Steps,
		"expires_at":         ch.ExpiresAt,
		"expires_in_seconds": int(ch.ExpiresAt.Sub(ch.CreatedAt).Seconds()),
	})
}

// VerifyRequest is the body of POST /api/verify.
type VerifyRequest struct {
	ChallengeID string   `json:"challenge_id" binding:"required"`
	Frames      []string `json:"frames" binding:"required"`
}

func (h *VerificationHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "MALFORMED_REQUEST"})
		return
	}

	result, err := h.orch.Verify(c.Request.Context(), req.ChallengeID, req.Frames)
	if err != nil {
		h.respondVerifyError(c, err)
		return
	}

	h.logger.Info("verify completed",
		zap.String("challenge_id", req.ChallengeID),
		zap.Bool("passed", result.Passed),
		zap.Float64("liveness_score", result.LivenessScore))

	c.JSON(http.StatusOK, result)
}

func (h *VerificationHandler) AttackSim(c *gin.Context) {
	var req struct {
		Frames []string `json:"frames" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "MALFORMED_REQUEST"})
		return
	}

	result, err := h.orch.AttackSim(c.Request.Context(), req.Frames)
	if err != nil {
		h.respondVerifyError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *VerificationHandler) respondVerifyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown challenge", "code": "CHALLENGE_NOT_FOUND"})
	case errors.Is(err, challenge.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "challenge expired", "code": "CHALLENGE_EXPIRED"})
	case errors.Is(err, challenge.ErrAlreadyUsed):
		c.JSON(http.StatusGone, gin.H{"error": "challenge already used", "code": "CHALLENGE_ALREADY_USED"})
	case errors.Is(err, orchestrator.ErrMalformed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request", "code": "MALFORMED_REQUEST"})
	case errors.Is(err, orchestrator.ErrInsufficientSignal):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient signal", "code": "INSUFFICIENT_SIGNAL"})
	case errors.Is(err, orchestrator.ErrTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "verification timed out", "code": "VERIFY_TIMEOUT"})
	default:
		h.logger.Error("verify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed", "code": "VERIFY_ERROR"})
	}
}
