package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/models"
)

// MessageHandler handles conversation routes
type MessageHandler struct {
	Conversations *conversation.Service
	Dispatcher    events.Dispatcher
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(conv *conversation.Service, dispatcher events.Dispatcher) *MessageHandler {
	return &MessageHandler{Conversations: conv, Dispatcher: dispatcher}
}

// SendMessage posts a message into a swap request conversation
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, evts, err := h.Conversations.Send(c.Request.Context(), conversation.SendInput{
		SwapRequestID: requestID,
		SenderID:      userID,
		Content:       req.Content,
		MessageType:   req.MessageType,
		Attachments:   req.Attachments,
		ReplyTo:       req.ReplyTo,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusCreated, message)
}

// GetMessages pages through a conversation, oldest first
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", conversation.DefaultHistoryLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
		return
	}

	messages, err := h.Conversations.History(c.Request.Context(), requestID, userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *MessageHandler) EditMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "messageID")
	if !ok {
		return
	}
	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, evts, err := h.Conversations.Edit(c.Request.Context(), messageID, req.Content, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusOK, message)
}

func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "messageID")
	if !ok {
		return
	}

	message, evts, err := h.Conversations.Delete(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusOK, message)
}

// MarkMessageAsRead marks a message as read. Only its receiver may.
func (h *MessageHandler) MarkMessageAsRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "messageID")
	if !ok {
		return
	}

	evts, err := h.Conversations.MarkRead(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Dispatcher.Dispatch(c.Request.Context(), evts...)
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
}

func (h *MessageHandler) UnreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	count, err := h.Conversations.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}
