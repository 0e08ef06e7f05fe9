package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageSystem, MessageImage, MessageFile:
		return true
	}
	return false
}

const (
	EditWindow       = 5 * time.Minute
	DeleteWindow     = time.Hour
	MaxMessageLength = 2000
	DeletedTombstone = "[Message deleted]"
)

type MessageParty struct {
	UserID uuid.UUID `json:"user_id"`
	Name   string    `json:"name"`
}

type Attachment struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// Message is a canonical conversation message. Unlike the embedded window on
// SwapRequest it is never truncated.
type Message struct {
	ID            uuid.UUID    `json:"id"`
	SwapRequestID uuid.UUID    `json:"swap_request_id"`
	Sender        MessageParty `json:"sender"`
	Receiver      MessageParty `json:"receiver"`
	Content       string       `json:"content"`
	MessageType   MessageType  `json:"message_type"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	IsRead        bool         `json:"is_read"`
	ReadAt        *time.Time   `json:"read_at,omitempty"`
	EditedAt      *time.Time   `json:"edited_at,omitempty"`
	IsDeleted     bool         `json:"is_deleted"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	ReplyTo       *uuid.UUID   `json:"reply_to,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (m *Message) IsEdited() bool {
	return m.EditedAt != nil
}

// CanBeEdited is true for text messages younger than EditWindow that are not deleted
func (m *Message) CanBeEdited(now time.Time) bool {
	return m.MessageType == MessageText && now.Sub(m.CreatedAt) < EditWindow && !m.IsDeleted
}

// CanBeDeleted is true for messages younger than DeleteWindow that are not deleted
func (m *Message) CanBeDeleted(now time.Time) bool {
	return now.Sub(m.CreatedAt) < DeleteWindow && !m.IsDeleted
}

func (m *Message) CanUserAccess(userID uuid.UUID) bool {
	return m.Sender.UserID == userID || m.Receiver.UserID == userID
}

// MessageRequest is the body of POST /api/swaps/:id/messages
type MessageRequest struct {
	Content     string       `json:"content" binding:"required"`
	MessageType MessageType  `json:"message_type"`
	Attachments []Attachment `json:"attachments"`
	ReplyTo     *uuid.UUID   `json:"reply_to"`
}

// EditMessageRequest is the body of PUT /api/messages/:messageID
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}
