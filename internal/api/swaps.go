package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/swap"
)

// SwapHandler serves the swap request lifecycle
type SwapHandler struct {
	Swaps      *swap.Service
	Dispatcher events.Dispatcher
}

func NewSwapHandler(swaps *swap.Service, dispatcher events.Dispatcher) *SwapHandler {
	return &SwapHandler{Swaps: swaps, Dispatcher: dispatcher}
}

// Create opens a swap request from the caller
func (h *SwapHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var body models.CreateSwapRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, evts, err := h.Swaps.Create(c.Request.Context(), swap.CreateInput{
		RequesterID:      userID,
		ReceiverID:       body.ReceiverID,
		OfferedSkillID:   body.OfferedSkillID,
		WantedSkillID:    body.WantedSkillID,
		Message:          body.Message,
		ProposedFormat:   body.ProposedFormat,
		ProposedDuration: body.ProposedDuration,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusCreated, req)
}

// List returns the caller's requests. Query: status, type, archived, limit, offset.
func (h *SwapHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	filter := models.SwapFilter{
		Status: models.SwapStatus(c.Query("status")),
		Role:   c.Query("type"),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit", 20); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	if filter.Offset, err = queryInt(c, "offset", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
		return
	}
	if raw := c.Query("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid archived flag"})
			return
		}
		filter.Archived = &archived
	}

	list, err := h.Swaps.ListForUser(c.Request.Context(), userID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *SwapHandler) ListPending(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.Swaps.ListPending(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *SwapHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	req, err := h.Swaps.Get(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *SwapHandler) UpdateStatus(c *gin.Context) {
	var body models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.transition(c, body.Status)
}

// Cancel is DELETE on a request
func (h *SwapHandler) Cancel(c *gin.Context) {
	h.transition(c, models.StatusCancelled)
}

func (h *SwapHandler) transition(c *gin.Context, to models.SwapStatus) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	req, evts, err := h.Swaps.UpdateStatus(c.Request.Context(), id, to, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusOK, req)
}

func (h *SwapHandler) Rate(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body models.RatingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, agg, evts, err := h.Swaps.AddRating(c.Request.Context(), id, userID, body.Rating, body.Review)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusOK, gin.H{"swap_request": req, "rating": agg})
}

// queryInt reads a non-negative integer query parameter
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}
