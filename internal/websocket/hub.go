package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/presence"
	"github.com/skillswap/swapcore/internal/ratelimit"
)

var log = logger.New("websocket")

const sendBuffer = 256

// Swaps is what the hub needs from the swap service
type Swaps interface {
	JoinRoom(ctx context.Context, requestID, userID uuid.UUID) (int, []events.Event, error)
	ListPending(ctx context.Context, userID uuid.UUID) ([]*models.SwapRequest, error)
}

// Conversations is what the hub needs from the conversation service
type Conversations interface {
	Send(ctx context.Context, in conversation.SendInput) (*models.Message, []events.Event, error)
	Edit(ctx context.Context, messageID uuid.UUID, content string, actorID uuid.UUID) (*models.Message, []events.Event, error)
	Delete(ctx context.Context, messageID, actorID uuid.UUID) (*models.Message, []events.Event, error)
	MarkRead(ctx context.Context, messageID, readerID uuid.UUID) ([]events.Event, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// Client is one live socket. A user may hold several.
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Socket *websocket.Conn
	Send   chan []byte

	// guarded by the hub mutex
	rooms  map[uuid.UUID]struct{}
	closed bool
}

func newClient(userID uuid.UUID, socket *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.New(),
		UserID: userID,
		Socket: socket,
		Send:   make(chan []byte, sendBuffer),
		rooms:  make(map[uuid.UUID]struct{}),
	}
}

// Hub owns every live socket, the conversation rooms they joined and the
// delivery of events to them.
type Hub struct {
	presence    *presence.Registry
	swaps       Swaps
	conv        Conversations
	unreachable events.Unreachable
	frames      ratelimit.Limiter
	origins     map[string]bool

	clients    map[uuid.UUID]*Client
	rooms      map[uuid.UUID]map[uuid.UUID]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.Mutex
}

type Option func(*Hub)

// WithUnreachable sets the hook for user events nobody is connected to receive
func WithUnreachable(u events.Unreachable) Option {
	return func(h *Hub) { h.unreachable = u }
}

// WithFrameLimiter bounds inbound frames per connection
func WithFrameLimiter(l ratelimit.Limiter) Option {
	return func(h *Hub) { h.frames = l }
}

// WithAllowedOrigins restricts browser origins. Empty allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o == "*" {
				h.origins = nil
				return
			}
			h.origins[o] = true
		}
	}
}

func NewHub(reg *presence.Registry, swaps Swaps, conv Conversations, opts ...Option) *Hub {
	h := &Hub{
		presence:   reg,
		swaps:      swaps,
		conv:       conv,
		origins:    make(map[string]bool),
		clients:    make(map[uuid.UUID]*Client),
		rooms:      make(map[uuid.UUID]map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			log.Info("Client connected: %s (user %s)", client.ID, client.UserID)
		case client := <-h.unregister:
			h.mutex.Lock()
			if h.removeLocked(client) {
				log.Info("Client disconnected: %s (user %s)", client.ID, client.UserID)
			}
			h.mutex.Unlock()
		case <-ctx.Done():
			h.mutex.Lock()
			for _, client := range h.clients {
				h.removeLocked(client)
			}
			h.mutex.Unlock()
			log.Info("Hub stopped")
			return
		}
	}
}

// removeLocked drops a client and closes its send channel. Reports whether
// the client was still registered.
func (h *Hub) removeLocked(client *Client) bool {
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	delete(h.clients, client.ID)
	client.closed = true
	for roomID := range client.rooms {
		h.leaveLocked(client, roomID)
	}
	close(client.Send)
	return true
}

// Join adds a client to a conversation room
func (h *Hub) Join(client *Client, roomID uuid.UUID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[uuid.UUID]*Client)
		h.rooms[roomID] = members
	}
	members[client.ID] = client
	client.rooms[roomID] = struct{}{}
}

func (h *Hub) Leave(client *Client, roomID uuid.UUID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.leaveLocked(client, roomID)
}

func (h *Hub) leaveLocked(client *Client, roomID uuid.UUID) {
	delete(client.rooms, roomID)
	if members := h.rooms[roomID]; members != nil {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) InRoom(client *Client, roomID uuid.UUID) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	_, ok := client.rooms[roomID]
	return ok
}

// RoomSize counts the sockets currently in a room
func (h *Hub) RoomSize(roomID uuid.UUID) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.rooms[roomID])
}

// Dispatch delivers events. A socket gets each event at most once. A user
// event for someone with no live connection goes to the unreachable hook
// unless it is ephemeral.
func (h *Hub) Dispatch(ctx context.Context, evts ...events.Event) {
	for _, evt := range evts {
		frame, err := encodeFrame(evt.Type, "", evt.Payload)
		if err != nil {
			log.Error("Failed to encode %s event: %v", evt.Type, err)
			continue
		}

		var conns []uuid.UUID
		if evt.Audience.Scope == events.ScopeUser {
			conns = h.presence.Connections(evt.Audience.ID)
			if len(conns) == 0 {
				if !evt.Ephemeral && h.unreachable != nil {
					h.unreachable.UserUnreachable(ctx, evt.Audience.ID, evt)
				}
				continue
			}
		}

		h.mutex.Lock()
		for _, client := range h.targetsLocked(evt, conns) {
			h.deliverLocked(client, frame, evt.Ephemeral)
		}
		h.mutex.Unlock()
	}
}

func (h *Hub) targetsLocked(evt events.Event, conns []uuid.UUID) map[uuid.UUID]*Client {
	targets := make(map[uuid.UUID]*Client)
	aud := evt.Audience

	switch aud.Scope {
	case events.ScopeRoom:
		for id, client := range h.rooms[aud.ID] {
			targets[id] = client
		}
	case events.ScopeUser:
		for _, id := range conns {
			if client, ok := h.clients[id]; ok {
				targets[id] = client
			}
		}
	case events.ScopeAll:
		for id, client := range h.clients {
			targets[id] = client
		}
	}

	if aud.ExceptRoom != uuid.Nil {
		for id := range h.rooms[aud.ExceptRoom] {
			delete(targets, id)
		}
	}
	if aud.ExceptConn != uuid.Nil {
		delete(targets, aud.ExceptConn)
	}
	return targets
}

func (h *Hub) deliverLocked(client *Client, frame []byte, ephemeral bool) {
	select {
	case client.Send <- frame:
	default:
		if ephemeral {
			log.Debug("Dropped ephemeral frame for slow client %s", client.ID)
			return
		}
		h.removeLocked(client)
		log.Warn("Send buffer full for client %s, closing", client.ID)
	}
}

// SystemMessage is the payload of system_message
type SystemMessage struct {
	Message string `json:"message"`
}

// BroadcastSystem sends an operator notice to the given users, or to every
// live connection when targets is empty. Offline users miss it.
func (h *Hub) BroadcastSystem(ctx context.Context, message string, targets ...uuid.UUID) {
	payload := SystemMessage{Message: message}
	if len(targets) == 0 {
		h.Dispatch(ctx, events.Broadcast(events.TypeSystemMessage, payload))
		return
	}
	evts := make([]events.Event, 0, len(targets))
	for _, userID := range targets {
		evt := events.User(userID, events.TypeSystemMessage, payload)
		evt.Ephemeral = true
		evts = append(evts, evt)
	}
	h.Dispatch(ctx, evts...)
}

// ForceDisconnect ends every session of a user except keep (uuid.Nil ends
// all of them). Each affected socket gets a force_disconnect frame before
// it is closed. Returns the number of sockets closed.
func (h *Hub) ForceDisconnect(ctx context.Context, userID, keep uuid.UUID, reason string) (int, error) {
	conns, offline, err := h.presence.InvalidateAll(ctx, userID, keep)
	if err != nil {
		return 0, err
	}

	frame, err := encodeFrame(FrameForceDisconnect, "", ForceDisconnectData{Reason: reason})
	if err != nil {
		return 0, err
	}
	closed := 0
	h.mutex.Lock()
	for _, connID := range conns {
		client, ok := h.clients[connID]
		if !ok {
			continue
		}
		h.deliverLocked(client, frame, true)
		if h.removeLocked(client) {
			closed++
		}
	}
	h.mutex.Unlock()

	if offline {
		h.broadcastStatus(ctx, userID, false)
	}
	log.Info("Force disconnected %d sockets of user %s: %s", closed, userID, reason)
	return closed, nil
}

// Frame is every server-to-client message
type Frame struct {
	Type      string    `json:"type"`
	Ref       string    `json:"ref,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeFrame(typ, ref string, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Ref: ref, Data: data, Timestamp: time.Now()})
}
