package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/presence"
)

// SessionCloser ends a user's sessions and closes their sockets
type SessionCloser interface {
	ForceDisconnect(ctx context.Context, userID, keep uuid.UUID, reason string) (int, error)
}

// AuthHandler serves identity, presence and session routes. Accounts are
// managed by the identity provider; this service only reads the directory.
type AuthHandler struct {
	DB       database.DirectoryStore
	Presence *presence.Registry
	Sessions SessionCloser
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(db database.DirectoryStore, reg *presence.Registry, sessions SessionCloser) *AuthHandler {
	return &AuthHandler{DB: db, Presence: reg, Sessions: sessions}
}

// GetMe returns the directory record of the authenticated user
func (h *AuthHandler) GetMe(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	user, err := h.DB.GetUserByID(c.Request.Context(), userID)
	if errors.Is(err, database.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetPresence reports whether a user is online and when they were last seen
func (h *AuthHandler) GetPresence(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	userID, ok := pathID(c, "userID")
	if !ok {
		return
	}

	status, err := h.Presence.Status(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// CloseSessions signs the caller out of every other session. The session
// named by X-Session-Token is kept; without the header all of them end.
func (h *AuthHandler) CloseSessions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	keep := uuid.Nil
	if token := c.GetHeader("X-Session-Token"); token != "" {
		id, err := h.Presence.SessionForToken(ctx, userID, token)
		if errors.Is(err, database.ErrSessionNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session token"})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		keep = id
	}

	closed, err := h.Sessions.ForceDisconnect(ctx, userID, keep, "signed out from another session")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed_connections": closed})
}
