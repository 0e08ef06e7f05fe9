package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/auth"
)

// AuthMiddleware validates the Bearer token and sets the caller in context
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		authenticate(c, strings.TrimPrefix(authHeader, "Bearer "))
	}
}

// TokenAuthMiddleware also accepts ?token=, since browsers cannot set
// headers on a websocket handshake.
func TokenAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.Query("token"); token != "" {
			authenticate(c, token)
			return
		}
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Debug("No token for websocket request from %s", c.Request.RemoteAddr)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}
		authenticate(c, strings.TrimPrefix(authHeader, "Bearer "))
	}
}

func authenticate(c *gin.Context, token string) {
	claims, err := auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		c.Abort()
		return
	}

	userUUID, err := auth.GetUserIDFromToken(claims)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID format in token"})
		c.Abort()
		return
	}

	c.Set("userID", userUUID)
	c.Set("name", claims.Name)
	c.Next()
}

// ActivityTracker records HTTP activity against a user's presence
type ActivityTracker interface {
	TouchUser(ctx context.Context, userID uuid.UUID) error
}

// ActivityMiddleware touches the caller's presence after a successful
// mutation. Reads do not count.
func ActivityMiddleware(tracker ActivityTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		v, _ := c.Get("userID")
		userID, ok := v.(uuid.UUID)
		if !ok {
			return
		}
		if err := tracker.TouchUser(c.Request.Context(), userID); err != nil {
			log.Warn("Failed to record activity for user %s: %v", userID, err)
		}
	}
}

// currentUser reads the caller set by the auth middleware
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user identification"})
		return uuid.Nil, false
	}
	return id, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + strings.ReplaceAll(name, "ID", " ID")})
		return uuid.Nil, false
	}
	return id, true
}
