package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"arena-control-backend/internal/services"
)

const (
	ContextSubject = "subject"
	ContextRole    = "role"
)

// TokenValidator is implemented by services.JWTService.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// RateLimiter is implemented by services.RedisService.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error)
}

// AuthMiddleware accepts a bearer token, or a token query parameter for
// websocket upgrades, and requires one of roles when any are given.
func AuthMiddleware(validator TokenValidator, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": 0, "error": "Invalid authorization format"})
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": 0, "error": "Authorization header required"})
				return
			}
		}

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": 0, "error": "Invalid or expired token"})
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": 0, "error": "Insufficient role"})
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// RateLimitMiddleware allows limit requests per window and subject for
// action. Requests without an authenticated subject pass through.
func RateLimitMiddleware(limiter RateLimiter, action string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetString(ContextSubject)
		if subject == "" || limit <= 0 {
			c.Next()
			return
		}

		allowed, err := limiter.CheckRateLimit(c.Request.Context(), subject, action, limit, window)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": 0, "error": "Rate limit check failed"})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":      0,
				"error":       "Rate limit exceeded",
				"retry_after": window.Seconds(),
			})
			return
		}

		c.Next()
	}
}

// RequestLogger logs every request with slog once it has been served.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"subject", c.GetString(ContextSubject),
		)
	}
}
