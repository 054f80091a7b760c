package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegis-id/liveness-service/internal/tokens"
)

// TokenRecordKey is the gin context key Auth stores the validated token
// record under, for downstream handlers to read.
const TokenRecordKey = "token_record"

func Logger(logger *zap.Logger) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health"},
	})
}

func CORS(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(string); ok {
			logger.Error("Panic recovered", zap.String("error", err))
		} else {
			logger.Error("Panic recovered", zap.Any("error", recovered))
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
	})
}

// Auth validates the Authorization: Bearer <token> header against the Token
// Service and stores the resulting record in the request context, rejecting
// missing, malformed, invalid, expired, or revoked tokens with 401.
func Auth(tokenSvc *tokens.Service, clk clock.Clock) gin.HandlerFunc {
	if clk == nil {
		clk = clock.New()
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "UNAUTHORIZED"})
			return
		}

		tokenString := strings.TrimPrefix(header, prefix)
		record, err := tokenSvc.Validate(tokenString, clk.Now().UTC())
		if err != nil {
			code := "UNAUTHORIZED"
			switch {
			case errors.Is(err, tokens.ErrExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, tokens.ErrRevoked):
				code = "TOKEN_REVOKED"
			case errors.Is(err, tokens.ErrInvalidSignature):
				code = "TOKEN_INVALID"
			case errors.Is(err, tokens.ErrUnknown):
				code = "TOKEN_UNKNOWN"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": code})
			return
		}

		c.Set(TokenRecordKey, record)
		c.Next()
	}
}

func RateLimit() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Every(time.Minute/60), 60) // 60 requests per minute

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}