package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrSkillNotFound       = errors.New("skill not found")
	ErrSwapRequestNotFound = errors.New("swap request not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrSessionNotFound     = errors.New("session not found")

	// Conditional writes that did not match return one of these. Callers
	// re-read to find out why.
	ErrActiveSwapExists = errors.New("active swap request already exists between users")
	ErrStatusConflict   = errors.New("swap request is no longer in the expected status")
	ErrRatingConflict   = errors.New("rating slot is not writable")
	ErrMessageConflict  = errors.New("message can no longer be modified")
)

// DirectoryStore is the user and skill directory. The swap core reads skill
// ownership from it and writes rating aggregates back.
type DirectoryStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetSkillByID(ctx context.Context, id uuid.UUID) (*models.Skill, error)
	SaveUser(ctx context.Context, u *models.User) error
	SaveSkill(ctx context.Context, s *models.Skill) error
	// IncrementUserRating adds one rating to the aggregate in a single
	// atomic statement and returns the new aggregate.
	IncrementUserRating(ctx context.Context, userID uuid.UUID, rating int) (*models.RatingAggregate, error)
	// RecomputeUserRating rebuilds the aggregate from the ratings stored on
	// swap requests and clears the user's dirty flag. Safe to repeat.
	RecomputeUserRating(ctx context.Context, userID uuid.UUID) (*models.RatingAggregate, error)
	// ListDirtyRatings returns users whose aggregate changed since their last
	// recompute. SetSwapRating and IncrementUserRating set the flag.
	ListDirtyRatings(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type SwapStore interface {
	// CreateSwapRequest inserts req unless an accepted or unexpired pending
	// request already exists between the two users in either direction.
	CreateSwapRequest(ctx context.Context, req *models.SwapRequest, now time.Time) error
	GetSwapRequest(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error)
	// TransitionSwapStatus moves the request from one status to another only
	// if it is still in from. Returns ErrStatusConflict otherwise.
	TransitionSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, at time.Time) (*models.SwapRequest, error)
	// SetSwapRating fills a rating slot only if the request is completed and
	// the slot is empty, and flags the rated user's aggregate dirty in the
	// same write. Returns ErrRatingConflict otherwise.
	SetSwapRating(ctx context.Context, id uuid.UUID, slot models.RatingSlot, rating models.Rating) (*models.SwapRequest, error)
	// AppendRecentMessage appends to the embedded window, trims it to limit,
	// bumps message_count and last_message_at as one write.
	AppendRecentMessage(ctx context.Context, id uuid.UUID, msg models.EmbeddedMessage, limit int) error
	// MarkRecentMessagesRead flags embedded messages not sent by readerID as
	// read. Nothing is written when there is nothing to flag.
	MarkRecentMessagesRead(ctx context.Context, id, readerID uuid.UUID) (int, error)
	ListSwapRequestsByUser(ctx context.Context, userID uuid.UUID, filter models.SwapFilter) ([]*models.SwapRequest, error)
	ListPendingForReceiver(ctx context.Context, userID uuid.UUID, now time.Time) ([]*models.SwapRequest, error)
	// ListActiveCounterparts returns users with a pending or accepted swap with userID.
	ListActiveCounterparts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	// EditMessage replaces content if senderID wrote it, it is a text
	// message, it is not deleted and it was created after createdAfter.
	EditMessage(ctx context.Context, id, senderID uuid.UUID, content string, editedAt, createdAfter time.Time) (*models.Message, error)
	// SoftDeleteMessage tombstones the message under the same kind of guard.
	SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, deletedAt, createdAfter time.Time) (*models.Message, error)
	MarkMessageAsRead(ctx context.Context, id, readerID uuid.UUID, at time.Time) (bool, error)
	MarkConversationRead(ctx context.Context, swapRequestID, readerID uuid.UUID, at time.Time) (int64, error)
	ListMessages(ctx context.Context, swapRequestID uuid.UUID, limit, offset int) ([]*models.Message, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
}

type SessionStore interface {
	// CreateSession inserts s. If the user already has maxActive active
	// sessions the least recently active ones are invalidated first. The
	// whole operation is atomic per user. Returns the evicted sessions.
	CreateSession(ctx context.Context, s *models.Session, maxActive int) ([]*models.Session, error)
	GetSessionByTokenDigest(ctx context.Context, digest string) (*models.Session, error)
	// AttachSession binds an active session to a new socket and marks it online.
	AttachSession(ctx context.Context, id, socketID uuid.UUID, at time.Time) (*models.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error
	SetSessionOffline(ctx context.Context, id uuid.UUID, at time.Time) error
	LatestSession(ctx context.Context, userID uuid.UUID) (*models.Session, error)
	// InvalidateUserSessions invalidates every active session of userID
	// except the one named by except, which may be uuid.Nil.
	InvalidateUserSessions(ctx context.Context, userID, except uuid.UUID, at time.Time) ([]*models.Session, error)
	// ExpireIdleSessions invalidates active sessions idle since before cutoff
	// and returns them as they were after invalidation.
	ExpireIdleSessions(ctx context.Context, cutoff, at time.Time) ([]*models.Session, error)
}

type DBInterface interface {
	DirectoryStore
	SwapStore
	MessageStore
	SessionStore
	Close() error
}

type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	Memory     DatabaseType = "memory"
)

func NewDatabase(dbType DatabaseType, connStr string) (DBInterface, error) {
	switch dbType {
	case PostgreSQL:
		return NewPostgresDB(connStr)
	case Memory:
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
