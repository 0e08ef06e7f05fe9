package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skillswap/swapcore/internal/apperr"
	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/presence"
	"github.com/skillswap/swapcore/internal/ratelimit"
)

// Inbound command types
const (
	CommandJoin          = "join_swap_request"
	CommandLeave         = "leave_swap_request"
	CommandTyping        = "typing"
	CommandActivity      = "activity"
	CommandPing          = "ping"
	CommandSendMessage   = "send_message"
	CommandEditMessage   = "edit_message"
	CommandDeleteMessage = "delete_message"
	CommandMessageRead   = "message_read"
	CommandOnlineUsers   = "get_online_users"
)

// Outbound frame types that are replies rather than events
const (
	FrameError           = "error"
	FrameSession         = "session"
	FrameInitialData     = "initial_data"
	FrameSessionEvicted  = "session_evicted"
	FrameJoined          = "joined_swap_request"
	FrameLeft            = "left_swap_request"
	FramePong            = "pong"
	FrameMessageSent     = "message_sent"
	FrameAck             = "ack"
	FrameOnlineUsers     = "online_users"
	FrameForceDisconnect = "force_disconnect"
)

const (
	readLimit      = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	commandTimeout = 10 * time.Second
)

// WebSocketMessage is a command sent by a client
type WebSocketMessage struct {
	Type          string             `json:"type"`
	Ref           string             `json:"ref,omitempty"`
	SwapRequestID uuid.UUID          `json:"swap_request_id,omitempty"`
	MessageID     uuid.UUID          `json:"message_id,omitempty"`
	Content       string             `json:"content,omitempty"`
	MessageType   models.MessageType `json:"message_type,omitempty"`
	ReplyTo       *uuid.UUID         `json:"reply_to,omitempty"`
	IsTyping      bool               `json:"is_typing,omitempty"`
}

type ErrorData struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type SessionData struct {
	SessionID uuid.UUID `json:"session_id"`
	Token     string    `json:"token"`
	Resumed   bool      `json:"resumed"`
}

type InitialData struct {
	PendingRequests []*models.SwapRequest `json:"pending_requests"`
	UnreadCount     int                   `json:"unread_count"`
}

type RoomData struct {
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	MarkedRead    int       `json:"marked_read,omitempty"`
}

type OnlineUsersData struct {
	Users []models.PresenceStatus `json:"users"`
}

type ForceDisconnectData struct {
	Reason string `json:"reason"`
}

type Typing struct {
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	UserID        uuid.UUID `json:"user_id"`
	IsTyping      bool      `json:"is_typing"`
}

// HandleWebSocket upgrades an authenticated request and registers the socket
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		log.Warn("No userID in context, rejecting connection from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	userUUID, ok := userID.(uuid.UUID)
	if !ok {
		log.Error("Invalid UUID in context from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user identification"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: %v", err)
		return
	}

	client := newClient(userUUID, conn)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := h.presence.Connect(ctx, presence.ConnectInput{
		UserID:      userUUID,
		ConnID:      client.ID,
		Device:      deviceInfo(c.Request),
		SessionType: c.Query("session_type"),
		ResumeToken: sessionToken(c.Request),
	})
	if err != nil {
		log.Error("Failed to register session for user %s: %v", userUUID, err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		conn.Close()
		return
	}

	select {
	case h.register <- client:
	case <-h.done:
		if _, _, err := h.presence.Disconnect(ctx, client.ID); err != nil {
			log.Error("Failed to close session of client %s: %v", client.ID, err)
		}
		conn.Close()
		return
	}

	for _, connID := range res.EvictedConns {
		h.notifyEvicted(connID)
	}

	h.reply(client, FrameSession, "", SessionData{SessionID: res.Session.ID, Token: res.Token, Resumed: res.Resumed})
	h.sendInitialData(ctx, client)

	if res.BecameOnline {
		h.broadcastStatus(ctx, userUUID, true)
	}

	go client.writePump()
	go client.readPump(h)
	log.Info("Client %s connected and ready", client.ID)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	if !h.origins[origin] {
		log.Warn("Rejected websocket origin %s", origin)
		return false
	}
	return true
}

func sessionToken(r *http.Request) string {
	if token := r.URL.Query().Get("session"); token != "" {
		return token
	}
	return r.Header.Get("X-Session-Token")
}

func deviceInfo(r *http.Request) models.DeviceInfo {
	ua := r.UserAgent()
	info := models.DeviceInfo{
		UserAgent: ua,
		Platform:  r.URL.Query().Get("platform"),
	}
	for _, marker := range []string{"Mobi", "Android", "iPhone", "iPad"} {
		if strings.Contains(ua, marker) {
			info.IsMobile = true
			break
		}
	}
	return info
}

func (h *Hub) sendInitialData(ctx context.Context, client *Client) {
	pending, err := h.swaps.ListPending(ctx, client.UserID)
	if err != nil {
		log.Error("Failed to load pending requests for %s: %v", client.UserID, err)
		pending = []*models.SwapRequest{}
	}
	unread, err := h.conv.UnreadCount(ctx, client.UserID)
	if err != nil {
		log.Error("Failed to count unread messages for %s: %v", client.UserID, err)
	}
	h.reply(client, FrameInitialData, "", InitialData{PendingRequests: pending, UnreadCount: unread})
}

func (h *Hub) notifyEvicted(connID uuid.UUID) {
	frame, err := encodeFrame(FrameSessionEvicted, "", nil)
	if err != nil {
		return
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if client, ok := h.clients[connID]; ok {
		h.deliverLocked(client, frame, true)
	}
}

func (h *Hub) broadcastStatus(ctx context.Context, userID uuid.UUID, online bool) {
	evts, err := h.presence.StatusEvents(ctx, userID, online)
	if err != nil {
		log.Warn("Failed to build status events for %s: %v", userID, err)
		return
	}
	h.Dispatch(ctx, evts...)
}

// disconnected runs once the read pump has stopped
func (h *Hub) disconnected(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	userID, offline, err := h.presence.Disconnect(ctx, client.ID)
	if err != nil {
		log.Error("Failed to close session of client %s: %v", client.ID, err)
	}
	if offline {
		h.broadcastStatus(ctx, userID, false)
	}
}

// reply queues a frame for one client. A full buffer drops it.
func (h *Hub) reply(client *Client, typ, ref string, data any) {
	frame, err := encodeFrame(typ, ref, data)
	if err != nil {
		log.Error("Failed to encode %s frame: %v", typ, err)
		return
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if client.closed {
		return
	}
	h.deliverLocked(client, frame, true)
}

func (h *Hub) replyError(client *Client, ref string, err error) {
	data := ErrorData{Code: apperr.CodeOf(err)}
	if data.Code == "" {
		log.Error("Command from client %s failed: %v", client.ID, err)
		data.Code = "INTERNAL"
		data.Message = "internal error"
	} else {
		var appErr *apperr.AppError
		if errors.As(err, &appErr) {
			data.Message = appErr.Message
		}
	}
	h.reply(client, FrameError, ref, data)
}

// handle executes one client command. Failures become error frames; the
// socket stays open.
func (h *Hub) handle(ctx context.Context, client *Client, msg WebSocketMessage) {
	switch msg.Type {
	case CommandPing:
		h.touch(ctx, client)
		h.reply(client, FramePong, msg.Ref, nil)

	case CommandActivity:
		h.touch(ctx, client)

	case CommandJoin:
		if msg.SwapRequestID == uuid.Nil {
			h.replyError(client, msg.Ref, apperr.InvalidArg("swap_request_id is required"))
			return
		}
		changed, evts, err := h.swaps.JoinRoom(ctx, msg.SwapRequestID, client.UserID)
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.Join(client, msg.SwapRequestID)
		h.touch(ctx, client)
		h.reply(client, FrameJoined, msg.Ref, RoomData{SwapRequestID: msg.SwapRequestID, MarkedRead: changed})
		h.Dispatch(ctx, evts...)

	case CommandLeave:
		h.Leave(client, msg.SwapRequestID)
		h.reply(client, FrameLeft, msg.Ref, RoomData{SwapRequestID: msg.SwapRequestID})

	case CommandTyping:
		if !h.InRoom(client, msg.SwapRequestID) {
			h.replyError(client, msg.Ref, apperr.Forbidden("join the conversation first"))
			return
		}
		evt := events.Room(msg.SwapRequestID, events.TypeUserTyping, Typing{
			SwapRequestID: msg.SwapRequestID,
			UserID:        client.UserID,
			IsTyping:      msg.IsTyping,
		})
		evt.Audience.ExceptConn = client.ID
		evt.Ephemeral = true
		h.Dispatch(ctx, evt)

	case CommandSendMessage:
		sent, evts, err := h.conv.Send(ctx, conversation.SendInput{
			SwapRequestID: msg.SwapRequestID,
			SenderID:      client.UserID,
			Content:       msg.Content,
			MessageType:   msg.MessageType,
			ReplyTo:       msg.ReplyTo,
		})
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.touch(ctx, client)
		h.reply(client, FrameMessageSent, msg.Ref, sent)
		h.Dispatch(ctx, evts...)

	case CommandEditMessage:
		edited, evts, err := h.conv.Edit(ctx, msg.MessageID, msg.Content, client.UserID)
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.touch(ctx, client)
		h.reply(client, FrameAck, msg.Ref, edited)
		h.Dispatch(ctx, evts...)

	case CommandDeleteMessage:
		deleted, evts, err := h.conv.Delete(ctx, msg.MessageID, client.UserID)
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.touch(ctx, client)
		h.reply(client, FrameAck, msg.Ref, deleted)
		h.Dispatch(ctx, evts...)

	case CommandMessageRead:
		evts, err := h.conv.MarkRead(ctx, msg.MessageID, client.UserID)
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.touch(ctx, client)
		h.reply(client, FrameAck, msg.Ref, conversation.MessageRef{MessageID: msg.MessageID})
		h.Dispatch(ctx, evts...)

	case CommandOnlineUsers:
		users, err := h.presence.OnlineContacts(ctx, client.UserID)
		if err != nil {
			h.replyError(client, msg.Ref, err)
			return
		}
		h.touch(ctx, client)
		h.reply(client, FrameOnlineUsers, msg.Ref, OnlineUsersData{Users: users})

	default:
		log.Warn("Unknown message type '%s' from client %s", msg.Type, client.ID)
		h.replyError(client, msg.Ref, apperr.InvalidArg("unknown message type"))
	}
}

func (h *Hub) touch(ctx context.Context, client *Client) {
	if err := h.presence.Touch(ctx, client.ID); err != nil {
		log.Warn("Failed to record activity for client %s: %v", client.ID, err)
	}
}

// readPump reads commands until the socket fails
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.Socket.Close()
		h.disconnected(c)
	}()

	c.Socket.SetReadLimit(readLimit)
	c.Socket.SetReadDeadline(time.Now().Add(pongWait))
	c.Socket.SetPongHandler(func(string) error {
		c.Socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("Error reading from client %s: %v", c.ID, err)
			} else {
				log.Debug("Client %s closed connection: %v", c.ID, err)
			}
			return
		}
		c.Socket.SetReadDeadline(time.Now().Add(pongWait))

		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.replyError(c, "", apperr.InvalidArg("invalid message format"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if h.frames != nil {
			allowed, err := h.frames.Allow(ctx, ratelimit.Key("ws_frame", c.ID.String()))
			if err != nil {
				log.Warn("Frame limiter failed for client %s: %v", c.ID, err)
			} else if !allowed {
				h.replyError(c, msg.Ref, apperr.ErrRateLimited)
				cancel()
				continue
			}
		}
		h.handle(ctx, c, msg)
		cancel()
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Socket.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.Socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
