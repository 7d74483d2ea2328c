package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

const playerKey = "player"

// RateLimiter is the counter store behind RateLimitMiddleware.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID string, action string, limit int, window time.Duration) (bool, error)
}

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else {
			// Browsers cannot set headers on a WebSocket upgrade.
			tokenString = c.Query("token")
			if tokenString == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				c.Abort()
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set(playerKey, claims.Player())

		c.Next()
	}
}

// Player returns the authenticated caller set by AuthMiddleware.
func Player(c *gin.Context) (models.Player, bool) {
	v, ok := c.Get(playerKey)
	if !ok {
		return models.Player{}, false
	}
	p, ok := v.(models.Player)
	return p, ok
}

// AdminOnly rejects callers without the operator claim.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Player(c)
		if !ok || !p.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "Operator access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

const (
	ActionBet     = "bet"
	ActionCashout = "cashout"
)

// rateLimitWindow is the span every per-user action limit counts over.
const rateLimitWindow = time.Minute

// AllowAction counts one action for the user and reports whether it is
// within the action's per-minute limit. Unknown actions are not limited.
func AllowAction(ctx context.Context, limiter RateLimiter, userID, action string) (bool, error) {
	var limit int
	switch action {
	case ActionBet:
		limit = services.DefaultRateLimitBets
	case ActionCashout:
		limit = services.DefaultRateLimitCashout
	default:
		return true, nil
	}
	return limiter.CheckRateLimit(ctx, userID, action, limit, rateLimitWindow)
}

func RateLimitMiddleware(limiter RateLimiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.Next()
			return
		}

		path := c.Request.URL.Path

		var action string
		switch {
		case strings.HasSuffix(path, "/crash/bet"):
			action = ActionBet
		case strings.HasSuffix(path, "/crash/cashout"):
			action = ActionCashout
		default:
			c.Next()
			return
		}

		allowed, err := AllowAction(c.Request.Context(), limiter, userID, action)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("rate limit check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limit check failed"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       services.ErrRateLimited.Error(),
				"retry_after": rateLimitWindow.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
