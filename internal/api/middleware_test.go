package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcore/internal/auth"
	"github.com/skillswap/swapcore/internal/models"
)

// setupAuthTestRouter creates a test router behind the given middleware
func setupAuthTestRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	auth.InitJWTKey([]byte(testSecret))
	router := gin.New()
	router.Use(middleware)
	router.GET("/test", func(c *gin.Context) {
		userID, _ := c.Get("userID")
		name, _ := c.Get("name")
		c.JSON(http.StatusOK, gin.H{"userID": userID, "name": name})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	router := setupAuthTestRouter(AuthMiddleware())
	testUser := &models.User{ID: uuid.New(), Name: "Test User"}
	token, _, err := auth.GenerateToken(testUser)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid token", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "no token", header: "", wantStatus: http.StatusUnauthorized},
		{name: "invalid token format", header: "Bearer invalid.token.string", wantStatus: http.StatusUnauthorized},
		{name: "missing Bearer prefix", header: token, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var response struct {
				UserID string `json:"userID"`
				Name   string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, testUser.ID.String(), response.UserID)
			assert.Equal(t, testUser.Name, response.Name)
		})
	}
}

func TestTokenAuthMiddleware(t *testing.T) {
	router := setupAuthTestRouter(TokenAuthMiddleware())
	token, _, err := auth.GenerateToken(&models.User{ID: uuid.New(), Name: "Socket User"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "query token", path: "/test?token=" + token, wantStatus: http.StatusOK},
		{name: "header token", path: "/test", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "bad query token", path: "/test?token=nope", header: "Bearer " + token, wantStatus: http.StatusUnauthorized},
		{name: "nothing", path: "/test", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

type touchRecorder struct {
	touched []uuid.UUID
}

func (r *touchRecorder) TouchUser(_ context.Context, userID uuid.UUID) error {
	r.touched = append(r.touched, userID)
	return nil
}

func TestActivityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	user := uuid.New()

	tests := []struct {
		name    string
		method  string
		status  int
		user    bool
		touched bool
	}{
		{name: "successful post", method: http.MethodPost, status: http.StatusCreated, user: true, touched: true},
		{name: "successful put", method: http.MethodPut, status: http.StatusOK, user: true, touched: true},
		{name: "successful delete", method: http.MethodDelete, status: http.StatusOK, user: true, touched: true},
		{name: "read", method: http.MethodGet, status: http.StatusOK, user: true},
		{name: "rejected mutation", method: http.MethodPut, status: http.StatusBadRequest, user: true},
		{name: "failed mutation", method: http.MethodPost, status: http.StatusInternalServerError, user: true},
		{name: "anonymous", method: http.MethodPost, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &touchRecorder{}
			router := gin.New()
			router.Use(func(c *gin.Context) {
				if tt.user {
					c.Set("userID", user)
				}
			}, ActivityMiddleware(tracker))
			router.Handle(tt.method, "/test", func(c *gin.Context) {
				c.Status(tt.status)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, "/test", nil))
			require.Equal(t, tt.status, w.Code)

			if tt.touched {
				assert.Equal(t, []uuid.UUID{user}, tracker.touched)
			} else {
				assert.Empty(t, tracker.touched)
			}
		})
	}
}
