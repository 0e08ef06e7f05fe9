package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server bundles the handlers mounted by NewRouter
type Server struct {
	Auth           *AuthHandler
	Swaps          *SwapHandler
	Messages       *MessageHandler
	WebSocket      gin.HandlerFunc
	// Activity, when set, counts successful HTTP mutations as presence
	Activity       ActivityTracker
	AllowedOrigins []string
}

func NewRouter(s Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	if len(s.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Session-Token"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.WebSocket != nil {
		router.GET("/api/ws", TokenAuthMiddleware(), s.WebSocket)
	}

	authorized := router.Group("/api")
	authorized.Use(AuthMiddleware())
	if s.Activity != nil {
		authorized.Use(ActivityMiddleware(s.Activity))
	}
	{
		authorized.GET("/auth/me", s.Auth.GetMe)
		authorized.DELETE("/auth/sessions", s.Auth.CloseSessions)
		authorized.GET("/presence/:userID", s.Auth.GetPresence)

		authorized.POST("/swaps", s.Swaps.Create)
		authorized.GET("/swaps", s.Swaps.List)
		authorized.GET("/swaps/pending", s.Swaps.ListPending)
		authorized.GET("/swaps/:id", s.Swaps.Get)
		authorized.PUT("/swaps/:id/status", s.Swaps.UpdateStatus)
		authorized.DELETE("/swaps/:id", s.Swaps.Cancel)
		authorized.POST("/swaps/:id/rating", s.Swaps.Rate)
		authorized.GET("/swaps/:id/messages", s.Messages.GetMessages)
		authorized.POST("/swaps/:id/messages", s.Messages.SendMessage)

		authorized.GET("/messages/unread-count", s.Messages.UnreadCount)
		authorized.PUT("/messages/:messageID", s.Messages.EditMessage)
		authorized.DELETE("/messages/:messageID", s.Messages.DeleteMessage)
		authorized.PUT("/messages/:messageID/read", s.Messages.MarkMessageAsRead)
	}

	return router
}
