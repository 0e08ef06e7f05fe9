// Package events describes real-time notifications as plain values. Services
// return them from mutating operations and a Dispatcher delivers them, so the
// lifecycle logic never talks to sockets directly.
package events

import (
	"context"

	"github.com/google/uuid"
)

const (
	TypeNewSwapRequest      = "new_swap_request"
	TypeSwapStatusChanged   = "swap_request_status_changed"
	TypeSwapUpdate          = "swap_request_update"
	TypeSwapRated           = "swap_request_rated"
	TypeNewMessage          = "new_message"
	TypeMessageNotification = "message_notification"
	TypeMessageEdited       = "message_edited"
	TypeMessageDeleted      = "message_deleted"
	TypeMessageRead         = "message_read"
	TypeMessagesRead        = "messages_read"
	TypeUserTyping          = "user_typing"
	TypeUserStatusChanged   = "user_status_changed"
	TypeSystemMessage       = "system_message"
)

type Scope int

const (
	// ScopeRoom addresses the sockets that joined one swap request conversation
	ScopeRoom Scope = iota
	// ScopeUser addresses every live connection of one user
	ScopeUser
	// ScopeAll addresses every live connection
	ScopeAll
)

type Audience struct {
	Scope Scope
	ID    uuid.UUID
	// ExceptRoom skips sockets that are members of this room. Used so a user
	// with the conversation open does not get the lightweight copy as well.
	ExceptRoom uuid.UUID
	// ExceptConn skips one socket, usually the originator.
	ExceptConn uuid.UUID
}

type Event struct {
	Audience Audience
	Type     string
	Payload  any
	// Ephemeral events are fire-and-forget and may be dropped.
	Ephemeral bool
}

func Room(requestID uuid.UUID, typ string, payload any) Event {
	return Event{Audience: Audience{Scope: ScopeRoom, ID: requestID}, Type: typ, Payload: payload}
}

func User(userID uuid.UUID, typ string, payload any) Event {
	return Event{Audience: Audience{Scope: ScopeUser, ID: userID}, Type: typ, Payload: payload}
}

// Broadcast addresses every live connection. Nobody offline is notified.
func Broadcast(typ string, payload any) Event {
	return Event{Audience: Audience{Scope: ScopeAll}, Type: typ, Payload: payload, Ephemeral: true}
}

// UserOutsideRoom addresses userID's sockets that have not joined requestID.
func UserOutsideRoom(userID, requestID uuid.UUID, typ string, payload any) Event {
	e := User(userID, typ, payload)
	e.Audience.ExceptRoom = requestID
	return e
}

// Dispatcher delivers events to live connections
type Dispatcher interface {
	Dispatch(ctx context.Context, evts ...Event)
}

// Unreachable is invoked when a user-scoped event targets a user with no
// live connection. Delivery through push or email happens elsewhere.
type Unreachable interface {
	UserUnreachable(ctx context.Context, userID uuid.UUID, evt Event)
}

// UnreachableFunc adapts a function to Unreachable
type UnreachableFunc func(ctx context.Context, userID uuid.UUID, evt Event)

func (f UnreachableFunc) UserUnreachable(ctx context.Context, userID uuid.UUID, evt Event) {
	f(ctx, userID, evt)
}

// Recorder collects events in memory. Useful as a Dispatcher in tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Dispatch(_ context.Context, evts ...Event) {
	r.Events = append(r.Events, evts...)
}
