// Package conversation owns the messages exchanged inside a swap request: the
// canonical message store and the rolling window embedded on the request.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/apperr"
	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/ratelimit"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	previewLength       = 100
)

var log = logger.New("conversation")

// Store is the slice of the database the conversation log needs
type Store interface {
	database.SwapStore
	database.MessageStore
}

type Service struct {
	db      Store
	limiter ratelimit.Limiter
	now     func() time.Time
}

type Option func(*Service)

// WithLimiter throttles Send per sender
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db Store, opts ...Option) *Service {
	s := &Service{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SendInput struct {
	SwapRequestID uuid.UUID
	SenderID      uuid.UUID
	Content       string
	MessageType   models.MessageType
	Attachments   []models.Attachment
	ReplyTo       *uuid.UUID
}

// Notification is the lightweight copy sent to a participant who does not
// have the conversation open.
type Notification struct {
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	MessageID     uuid.UUID `json:"message_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	SenderName    string    `json:"sender_name"`
	Preview       string    `json:"preview"`
	CreatedAt     time.Time `json:"created_at"`
}

type MessageRef struct {
	MessageID     uuid.UUID `json:"message_id"`
	SwapRequestID uuid.UUID `json:"swap_request_id"`
}

type ReadReceipt struct {
	MessageID     uuid.UUID `json:"message_id"`
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	ReaderID      uuid.UUID `json:"reader_id"`
	ReadAt        time.Time `json:"read_at"`
}

type ConversationRead struct {
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	ReaderID      uuid.UUID `json:"reader_id"`
	Count         int       `json:"count"`
}

// Send stores a message from one participant to the other and returns the
// room event plus a notification for the receiver's sockets outside the room.
func (s *Service) Send(ctx context.Context, in SendInput) (*models.Message, []events.Event, error) {
	req, err := s.swapRequest(ctx, in.SwapRequestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.IsParticipant(in.SenderID) {
		return nil, nil, apperr.Forbidden("not a participant in this swap request")
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, ratelimit.Key("send_message", in.SenderID.String()))
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !ok {
			return nil, nil, apperr.ErrRateLimited
		}
	}

	msg, err := s.Post(ctx, req, in)
	if err != nil {
		return nil, nil, err
	}

	evts := []events.Event{
		events.Room(req.ID, events.TypeNewMessage, msg),
		events.UserOutsideRoom(msg.Receiver.UserID, req.ID, events.TypeMessageNotification, Notification{
			SwapRequestID: req.ID,
			MessageID:     msg.ID,
			SenderID:      msg.Sender.UserID,
			SenderName:    msg.Sender.Name,
			Preview:       preview(msg.Content),
			CreatedAt:     msg.CreatedAt,
		}),
	}
	return msg, evts, nil
}

// Post writes a message for an already loaded request whose sender has been
// checked. The canonical store is written first; the embedded window is a
// best-effort cache and a failure there never undoes the canonical write.
func (s *Service) Post(ctx context.Context, req *models.SwapRequest, in SendInput) (*models.Message, error) {
	content, err := validContent(in.Content)
	if err != nil {
		return nil, err
	}

	msgType := in.MessageType
	if msgType == "" {
		msgType = models.MessageText
	}
	if !msgType.Valid() {
		return nil, apperr.InvalidArg(fmt.Sprintf("unknown message type %q", msgType))
	}

	if in.ReplyTo != nil {
		parent, err := s.db.GetMessageByID(ctx, *in.ReplyTo)
		if errors.Is(err, database.ErrMessageNotFound) || (err == nil && parent.SwapRequestID != req.ID) {
			return nil, apperr.InvalidArg("reply_to must reference a message in this conversation")
		}
		if err != nil {
			return nil, err
		}
	}

	sender := req.Requester
	receiver := req.Receiver
	if in.SenderID == req.Receiver.UserID {
		sender, receiver = receiver, sender
	}

	msg := &models.Message{
		ID:            uuid.New(),
		SwapRequestID: req.ID,
		Sender:        models.MessageParty{UserID: sender.UserID, Name: sender.Name},
		Receiver:      models.MessageParty{UserID: receiver.UserID, Name: receiver.Name},
		Content:       content,
		MessageType:   msgType,
		Attachments:   in.Attachments,
		ReplyTo:       in.ReplyTo,
		CreatedAt:     s.now(),
	}

	if err := s.db.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, database.ErrSwapRequestNotFound) {
			return nil, apperr.NotFound("swap request")
		}
		return nil, fmt.Errorf("store message: %w", err)
	}

	if err := s.AppendRecent(ctx, msg); err != nil {
		log.Warn("Failed to update recent messages of swap request %s: %v", req.ID, err)
	}

	return msg, nil
}

// AppendRecent pushes msg onto the embedded window of its swap request
func (s *Service) AppendRecent(ctx context.Context, msg *models.Message) error {
	return s.db.AppendRecentMessage(ctx, msg.SwapRequestID, models.EmbeddedMessage{
		SenderID:   msg.Sender.UserID,
		SenderName: msg.Sender.Name,
		Content:    msg.Content,
		Timestamp:  msg.CreatedAt,
	}, models.RecentMessageLimit)
}

// MarkMessagesAsRead flags everything userID has received in the request as
// read, in the embedded window and the canonical store. Returns how many
// window entries changed.
func (s *Service) MarkMessagesAsRead(ctx context.Context, requestID, userID uuid.UUID) (int, error) {
	changed, err := s.db.MarkRecentMessagesRead(ctx, requestID, userID)
	if errors.Is(err, database.ErrSwapRequestNotFound) {
		return 0, apperr.NotFound("swap request")
	}
	if err != nil {
		return 0, err
	}

	if _, err := s.db.MarkConversationRead(ctx, requestID, userID, s.now()); err != nil {
		return changed, err
	}
	return changed, nil
}

func (s *Service) Edit(ctx context.Context, messageID uuid.UUID, content string, actorID uuid.UUID) (*models.Message, []events.Event, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Sender.UserID != actorID {
		return nil, nil, apperr.ErrNotAuthor
	}
	content, err = validContent(content)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	switch {
	case msg.IsDeleted:
		return nil, nil, apperr.WindowExpired("message has been deleted")
	case msg.MessageType != models.MessageText:
		return nil, nil, apperr.WindowExpired("only text messages can be edited")
	case !msg.CanBeEdited(now):
		return nil, nil, apperr.WindowExpired("messages can only be edited within 5 minutes")
	}

	updated, err := s.db.EditMessage(ctx, messageID, actorID, content, now, now.Add(-models.EditWindow))
	if errors.Is(err, database.ErrMessageConflict) {
		return nil, nil, apperr.WindowExpired("message can no longer be edited")
	}
	if err != nil {
		return nil, nil, err
	}

	return updated, []events.Event{events.Room(updated.SwapRequestID, events.TypeMessageEdited, updated)}, nil
}

func (s *Service) Delete(ctx context.Context, messageID, actorID uuid.UUID) (*models.Message, []events.Event, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Sender.UserID != actorID {
		return nil, nil, apperr.ErrNotAuthor
	}

	now := s.now()
	if msg.IsDeleted {
		return nil, nil, apperr.WindowExpired("message has already been deleted")
	}
	if !msg.CanBeDeleted(now) {
		return nil, nil, apperr.WindowExpired("messages can only be deleted within 1 hour")
	}

	deleted, err := s.db.SoftDeleteMessage(ctx, messageID, actorID, now, now.Add(-models.DeleteWindow))
	if errors.Is(err, database.ErrMessageConflict) {
		return nil, nil, apperr.WindowExpired("message can no longer be deleted")
	}
	if err != nil {
		return nil, nil, err
	}

	evt := events.Room(deleted.SwapRequestID, events.TypeMessageDeleted, MessageRef{
		MessageID:     deleted.ID,
		SwapRequestID: deleted.SwapRequestID,
	})
	return deleted, []events.Event{evt}, nil
}

// MarkRead marks a single message read by its receiver
func (s *Service) MarkRead(ctx context.Context, messageID, readerID uuid.UUID) ([]events.Event, error) {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Receiver.UserID != readerID {
		return nil, apperr.Forbidden("only the receiver can mark a message as read")
	}

	now := s.now()
	changed, err := s.db.MarkMessageAsRead(ctx, messageID, readerID, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	return []events.Event{events.Room(msg.SwapRequestID, events.TypeMessageRead, ReadReceipt{
		MessageID:     msg.ID,
		SwapRequestID: msg.SwapRequestID,
		ReaderID:      readerID,
		ReadAt:        now,
	})}, nil
}

// History returns the canonical messages of a request, oldest first
func (s *Service) History(ctx context.Context, requestID, userID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	req, err := s.swapRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParticipant(userID) {
		return nil, apperr.Forbidden("not a participant in this swap request")
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.db.ListMessages(ctx, requestID, limit, offset)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.db.CountUnread(ctx, userID)
}

func (s *Service) swapRequest(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	req, err := s.db.GetSwapRequest(ctx, id)
	if errors.Is(err, database.ErrSwapRequestNotFound) {
		return nil, apperr.NotFound("swap request")
	}
	return req, err
}

func (s *Service) message(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msg, err := s.db.GetMessageByID(ctx, id)
	if errors.Is(err, database.ErrMessageNotFound) {
		return nil, apperr.NotFound("message")
	}
	return msg, err
}

func validContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.InvalidArg("message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxMessageLength {
		return "", apperr.InvalidArg(fmt.Sprintf("message content cannot exceed %d characters", models.MaxMessageLength))
	}
	return content, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "..."
}
