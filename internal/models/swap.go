package models

import (
	"time"

	"github.com/google/uuid"
)

type SwapStatus string

const (
	StatusPending   SwapStatus = "pending"
	StatusAccepted  SwapStatus = "accepted"
	StatusRejected  SwapStatus = "rejected"
	StatusCompleted SwapStatus = "completed"
	StatusCancelled SwapStatus = "cancelled"
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []SwapStatus{StatusPending, StatusAccepted, StatusRejected, StatusCompleted, StatusCancelled}

func (s SwapStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Active statuses block a new request between the same pair of users.
func (s SwapStatus) Active() bool {
	return s == StatusPending || s == StatusAccepted
}

const (
	// RecentMessageLimit caps the embedded conversation window.
	RecentMessageLimit = 50
	// DefaultRequestTTL is how long a pending request stays actionable.
	DefaultRequestTTL = 7 * 24 * time.Hour
	// ArchiveAfter is how long a completed swap stays in the active lists.
	ArchiveAfter = 30 * 24 * time.Hour
)

// Participant is a snapshot taken when the request is created. Only UserID
// is authoritative; the rest is display data and is never refreshed.
type Participant struct {
	UserID          uuid.UUID `json:"user_id"`
	Name            string    `json:"name"`
	ProfilePhotoURL string    `json:"profile_photo_url,omitempty"`
	RatingAtRequest float64   `json:"rating_at_request"`
}

type SkillRef struct {
	SkillID  uuid.UUID `json:"skill_id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
}

type SkillExchange struct {
	Offered SkillRef `json:"offered"`
	Wanted  SkillRef `json:"wanted"`
}

// EmbeddedMessage is an entry in the rolling recent-message window
type EmbeddedMessage struct {
	SenderID   uuid.UUID `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

type Rating struct {
	Rating    int       `json:"rating"`
	Review    string    `json:"review,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ratings holds one rating per direction. RequesterRating is the rating the
// requester received from the receiver, and the other way around.
type Ratings struct {
	RequesterRating *Rating `json:"requester_rating,omitempty"`
	ReceiverRating  *Rating `json:"receiver_rating,omitempty"`
}

// RatingSlot names one of the two rating directions
type RatingSlot string

const (
	SlotRequester RatingSlot = "requester"
	SlotReceiver  RatingSlot = "receiver"
)

type SwapRequest struct {
	ID               uuid.UUID         `json:"id"`
	Requester        Participant       `json:"requester"`
	Receiver         Participant       `json:"receiver"`
	SkillExchange    SkillExchange     `json:"skill_exchange"`
	Status           SwapStatus        `json:"status"`
	Message          string            `json:"message,omitempty"`
	ProposedFormat   string            `json:"proposed_format"`
	ProposedDuration int               `json:"proposed_duration"`
	ExpiresAt        time.Time         `json:"expires_at"`
	AcceptedAt       *time.Time        `json:"accepted_at,omitempty"`
	RejectedAt       *time.Time        `json:"rejected_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	RecentMessages   []EmbeddedMessage `json:"recent_messages"`
	MessageCount     int               `json:"message_count"`
	LastMessageAt    *time.Time        `json:"last_message_at,omitempty"`
	Ratings          Ratings           `json:"ratings"`
	IsArchived       bool              `json:"is_archived"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// IsParticipant reports whether userID is the requester or the receiver
func (r *SwapRequest) IsParticipant(userID uuid.UUID) bool {
	return r.Requester.UserID == userID || r.Receiver.UserID == userID
}

// Counterpart returns the participant that is not userID. The caller must
// have checked IsParticipant first.
func (r *SwapRequest) Counterpart(userID uuid.UUID) Participant {
	if r.Requester.UserID == userID {
		return r.Receiver
	}
	return r.Requester
}

// IsExpired reports whether a pending request has outlived its ExpiresAt
func (r *SwapRequest) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// CreateSwapRequest is the body of POST /api/swaps
type CreateSwapRequest struct {
	ReceiverID       uuid.UUID `json:"receiver_id" binding:"required"`
	OfferedSkillID   uuid.UUID `json:"offered_skill_id" binding:"required"`
	WantedSkillID    uuid.UUID `json:"wanted_skill_id" binding:"required"`
	Message          string    `json:"message"`
	ProposedFormat   string    `json:"proposed_format"`
	ProposedDuration int       `json:"proposed_duration"`
}

// UpdateStatusRequest is the body of PUT /api/swaps/:id/status
type UpdateStatusRequest struct {
	Status SwapStatus `json:"status" binding:"required"`
}

// RatingRequest is the body of POST /api/swaps/:id/rating
type RatingRequest struct {
	Rating int    `json:"rating" binding:"required"`
	Review string `json:"review"`
}

// SwapFilter narrows ListSwapRequestsByUser
type SwapFilter struct {
	Status   SwapStatus
	Role     string // sent, received or empty for both
	Archived *bool
	Limit    int
	Offset   int
}
