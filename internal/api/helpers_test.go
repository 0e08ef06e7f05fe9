package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcore/internal/auth"
	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/presence"
	"github.com/skillswap/swapcore/internal/swap"
	"github.com/skillswap/swapcore/internal/websocket"
)

const testSecret = "test-secret"

type apiEnv struct {
	db       *database.MemoryDB
	swaps    *swap.Service
	conv     *conversation.Service
	reg      *presence.Registry
	hub      *websocket.Hub
	recorder *events.Recorder
	router   *gin.Engine

	alice  *models.User // offers Python, wants Guitar
	bob    *models.User // offers Guitar, wants Python
	carol  *models.User // offers Cooking
	python *models.Skill
	guitar *models.Skill
	cook   *models.Skill
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth.InitJWTKey([]byte(testSecret))
	ctx := context.Background()

	env := &apiEnv{db: database.NewMemoryDB(), recorder: &events.Recorder{}}
	env.python = &models.Skill{ID: uuid.New(), Name: "Python", Category: "programming"}
	env.guitar = &models.Skill{ID: uuid.New(), Name: "Guitar", Category: "music"}
	env.cook = &models.Skill{ID: uuid.New(), Name: "Cooking", Category: "lifestyle"}
	for _, s := range []*models.Skill{env.python, env.guitar, env.cook} {
		require.NoError(t, env.db.SaveSkill(ctx, s))
	}

	ref := func(s *models.Skill) models.UserSkill {
		return models.UserSkill{SkillID: s.ID, Name: s.Name, Category: s.Category}
	}
	env.alice = &models.User{ID: uuid.New(), Name: "Alice", IsActive: true,
		SkillsOffered: []models.UserSkill{ref(env.python)}, SkillsWanted: []models.UserSkill{ref(env.guitar)}}
	env.bob = &models.User{ID: uuid.New(), Name: "Bob", IsActive: true,
		SkillsOffered: []models.UserSkill{ref(env.guitar)}, SkillsWanted: []models.UserSkill{ref(env.python)}}
	env.carol = &models.User{ID: uuid.New(), Name: "Carol", IsActive: true,
		SkillsOffered: []models.UserSkill{ref(env.cook)}}
	for _, u := range []*models.User{env.alice, env.bob, env.carol} {
		require.NoError(t, env.db.SaveUser(ctx, u))
	}

	env.conv = conversation.NewService(env.db)
	var err error
	env.swaps, err = swap.NewService(env.db, env.conv)
	require.NoError(t, err)
	env.reg = presence.NewRegistry(env.db)
	env.hub = websocket.NewHub(env.reg, env.swaps, env.conv)

	env.router = NewRouter(Server{
		Auth:     NewAuthHandler(env.db, env.reg, env.hub),
		Swaps:    NewSwapHandler(env.swaps, env.recorder),
		Messages: NewMessageHandler(env.conv, env.recorder),
		Activity: env.reg,
	})
	return env
}

// do performs an authenticated request as user. A nil user sends no token.
func (env *apiEnv) do(t *testing.T, method, path string, user *models.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	return env.doWithHeader(t, method, path, user, body, nil)
}

func (env *apiEnv) doWithHeader(t *testing.T, method, path string, user *models.User, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if user != nil {
		token, _, err := auth.GenerateToken(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// createSwap opens a pending request from Alice to Bob
func (env *apiEnv) createSwap(t *testing.T) *models.SwapRequest {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/swaps", env.alice, gin.H{
		"receiver_id":      env.bob.ID,
		"offered_skill_id": env.python.ID,
		"wanted_skill_id":  env.guitar.ID,
		"message":          "Trade lessons?",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req models.SwapRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	return &req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
