// Package swap is the lifecycle engine for swap requests: creation, status
// transitions and the rating exchange that follows completion.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/skillswap/swapcore/internal/apperr"
	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/models"
	"github.com/skillswap/swapcore/internal/ratelimit"
)

const (
	DefaultFormat       = "online"
	DefaultDuration     = 60
	MaxDuration         = 480
	MaxRequestMessage   = 1000
	MaxReviewLength     = 500
	defaultCacheEntries = 4096
)

var validFormats = map[string]bool{"in_person": true, "online": true, "hybrid": true}

var log = logger.New("swap")

// Store is the slice of the database the lifecycle engine needs
type Store interface {
	database.DirectoryStore
	database.SwapStore
}

type Service struct {
	db           Store
	conv         *conversation.Service
	limiter      ratelimit.Limiter
	policy       CancelPolicy
	participants *lru.Cache
	now          func() time.Time
	cacheSize    int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLimiter throttles Create per requester
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithCancelPolicy(p CancelPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithParticipantCache sets how many requests' participant pairs are kept
func WithParticipantCache(size int) Option {
	return func(s *Service) { s.cacheSize = size }
}

func NewService(db Store, conv *conversation.Service, opts ...Option) (*Service, error) {
	s := &Service{
		db:        db,
		conv:      conv,
		policy:    CancelEitherAfterAccept,
		now:       time.Now,
		cacheSize: defaultCacheEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New(s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("participant cache: %w", err)
	}
	s.participants = cache
	return s, nil
}

type CreateInput struct {
	RequesterID      uuid.UUID
	ReceiverID       uuid.UUID
	OfferedSkillID   uuid.UUID
	WantedSkillID    uuid.UUID
	Message          string
	ProposedFormat   string
	ProposedDuration int
}

// StatusChange is the payload of status events
type StatusChange struct {
	SwapRequestID  uuid.UUID           `json:"swap_request_id"`
	Status         models.SwapStatus   `json:"status"`
	PreviousStatus models.SwapStatus   `json:"previous_status"`
	ChangedBy      uuid.UUID           `json:"changed_by"`
	SwapRequest    *models.SwapRequest `json:"swap_request"`
}

// RatingNotice is the payload of swap_request_rated
type RatingNotice struct {
	SwapRequestID uuid.UUID `json:"swap_request_id"`
	RaterID       uuid.UUID `json:"rater_id"`
	RatedUserID   uuid.UUID `json:"rated_user_id"`
	Rating        int       `json:"rating"`
}

// Create opens a pending request from requester to receiver
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.SwapRequest, []events.Event, error) {
	if in.RequesterID == in.ReceiverID {
		return nil, nil, apperr.InvalidArg("cannot send a swap request to yourself")
	}
	if err := s.validateProposal(&in); err != nil {
		return nil, nil, err
	}
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, ratelimit.Key("create_swap", in.RequesterID.String()))
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !ok {
			return nil, nil, apperr.ErrRateLimited
		}
	}

	var (
		requester, receiver *models.User
		offered, wanted     *models.Skill
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		requester, err = s.user(gctx, in.RequesterID, "requester")
		return err
	})
	g.Go(func() (err error) {
		receiver, err = s.user(gctx, in.ReceiverID, "receiver")
		return err
	})
	g.Go(func() (err error) {
		offered, err = s.skill(gctx, in.OfferedSkillID, "offered skill")
		return err
	})
	g.Go(func() (err error) {
		wanted, err = s.skill(gctx, in.WantedSkillID, "wanted skill")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if !requester.IsActive {
		return nil, nil, apperr.Forbidden("your account is not active")
	}
	if !receiver.IsActive {
		return nil, nil, apperr.NotFound("receiver")
	}
	if !requester.Offers(offered.ID) {
		return nil, nil, apperr.SkillMismatch("you do not offer the skill you are proposing")
	}
	if !receiver.Offers(wanted.ID) {
		return nil, nil, apperr.SkillMismatch("receiver does not offer the requested skill")
	}
	if !receiver.Wants(offered.ID) {
		return nil, nil, apperr.SkillMismatch("receiver is not looking for the offered skill")
	}

	now := s.now()
	req := &models.SwapRequest{
		ID:        uuid.New(),
		Requester: participant(requester),
		Receiver:  participant(receiver),
		SkillExchange: models.SkillExchange{
			Offered: models.SkillRef{SkillID: offered.ID, Name: offered.Name, Category: offered.Category},
			Wanted:  models.SkillRef{SkillID: wanted.ID, Name: wanted.Name, Category: wanted.Category},
		},
		Status:           models.StatusPending,
		Message:          strings.TrimSpace(in.Message),
		ProposedFormat:   in.ProposedFormat,
		ProposedDuration: in.ProposedDuration,
		ExpiresAt:        now.Add(models.DefaultRequestTTL),
		RecentMessages:   []models.EmbeddedMessage{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.db.CreateSwapRequest(ctx, req, now); err != nil {
		if errors.Is(err, database.ErrActiveSwapExists) {
			return nil, nil, apperr.ErrDuplicateRequest
		}
		return nil, nil, fmt.Errorf("store swap request: %w", err)
	}
	s.remember(req)

	if req.Message != "" && s.conv != nil {
		_, err := s.conv.Post(ctx, req, conversation.SendInput{
			SwapRequestID: req.ID,
			SenderID:      req.Requester.UserID,
			Content:       req.Message,
		})
		if err != nil {
			log.Warn("Failed to store opening message for swap request %s: %v", req.ID, err)
		} else if fresh, err := s.db.GetSwapRequest(ctx, req.ID); err == nil {
			req = fresh
		}
	}

	log.Info("Swap request %s created by %s for %s", req.ID, req.Requester.UserID, req.Receiver.UserID)
	return req, []events.Event{events.User(req.Receiver.UserID, events.TypeNewSwapRequest, req)}, nil
}

func (s *Service) validateProposal(in *CreateInput) error {
	if in.ProposedFormat == "" {
		in.ProposedFormat = DefaultFormat
	}
	if !validFormats[in.ProposedFormat] {
		return apperr.InvalidArg(fmt.Sprintf("unknown proposed format %q", in.ProposedFormat))
	}
	if in.ProposedDuration == 0 {
		in.ProposedDuration = DefaultDuration
	}
	if in.ProposedDuration < 1 || in.ProposedDuration > MaxDuration {
		return apperr.InvalidArg(fmt.Sprintf("proposed duration must be between 1 and %d minutes", MaxDuration))
	}
	if len([]rune(in.Message)) > MaxRequestMessage {
		return apperr.InvalidArg(fmt.Sprintf("message cannot exceed %d characters", MaxRequestMessage))
	}
	return nil
}

// UpdateStatus moves a request along the lifecycle on behalf of actorID
func (s *Service) UpdateStatus(ctx context.Context, requestID uuid.UUID, to models.SwapStatus, actorID uuid.UUID) (*models.SwapRequest, []events.Event, error) {
	if !to.Valid() {
		return nil, nil, apperr.InvalidArg(fmt.Sprintf("unknown status %q", to))
	}

	req, err := s.swapRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.IsParticipant(actorID) {
		return nil, nil, apperr.Forbidden("not a participant in this swap request")
	}
	if !CanTransition(req.Status, to) {
		return nil, nil, apperr.InvalidTransition(string(req.Status), string(to))
	}
	if err := s.authorize(req, to, actorID); err != nil {
		return nil, nil, err
	}

	now := s.now()
	if (to == models.StatusAccepted || to == models.StatusRejected) && req.IsExpired(now) {
		return nil, nil, apperr.ErrExpired
	}

	updated, err := s.db.TransitionSwapStatus(ctx, requestID, req.Status, to, now)
	if errors.Is(err, database.ErrStatusConflict) {
		// Someone else moved it first; report against what is there now.
		current, gerr := s.swapRequest(ctx, requestID)
		if gerr != nil {
			return nil, nil, gerr
		}
		return nil, nil, apperr.InvalidTransition(string(current.Status), string(to))
	}
	if errors.Is(err, database.ErrSwapRequestNotFound) {
		return nil, nil, apperr.NotFound("swap request")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("transition swap request: %w", err)
	}

	change := StatusChange{
		SwapRequestID:  updated.ID,
		Status:         updated.Status,
		PreviousStatus: req.Status,
		ChangedBy:      actorID,
		SwapRequest:    updated,
	}
	other := updated.Counterpart(actorID).UserID
	evts := []events.Event{
		events.Room(updated.ID, events.TypeSwapStatusChanged, change),
		events.UserOutsideRoom(other, updated.ID, events.TypeSwapUpdate, change),
	}

	log.Info("Swap request %s moved from %s to %s by %s", updated.ID, req.Status, updated.Status, actorID)
	return updated, evts, nil
}

func (s *Service) authorize(req *models.SwapRequest, to models.SwapStatus, actorID uuid.UUID) error {
	isRequester := req.Requester.UserID == actorID

	switch to {
	case models.StatusAccepted, models.StatusRejected:
		if isRequester {
			return apperr.Forbidden("only the receiver can accept or reject a swap request")
		}
	case models.StatusCancelled:
		if isRequester {
			return nil
		}
		if req.Status == models.StatusPending {
			return apperr.Forbidden("only the requester can cancel a pending swap request")
		}
		if s.policy == CancelRequesterOnly {
			return apperr.Forbidden("only the requester can cancel this swap request")
		}
	}
	return nil
}

// AddRating records raterID's rating of the other participant and folds it
// into that user's aggregate.
func (s *Service) AddRating(ctx context.Context, requestID, raterID uuid.UUID, rating int, review string) (*models.SwapRequest, *models.RatingAggregate, []events.Event, error) {
	if rating < 1 || rating > 5 {
		return nil, nil, nil, apperr.InvalidArg("rating must be between 1 and 5")
	}
	review = strings.TrimSpace(review)
	if len([]rune(review)) > MaxReviewLength {
		return nil, nil, nil, apperr.InvalidArg(fmt.Sprintf("review cannot exceed %d characters", MaxReviewLength))
	}

	req, err := s.swapRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !req.IsParticipant(raterID) {
		return nil, nil, nil, apperr.ErrNotParticipant
	}
	if req.Status != models.StatusCompleted {
		return nil, nil, nil, apperr.ErrNotCompleted
	}

	// The requester's rating of the receiver lands in the receiver's slot.
	slot, target := models.SlotRequester, req.Requester.UserID
	if raterID == req.Requester.UserID {
		slot, target = models.SlotReceiver, req.Receiver.UserID
	}
	if filled(req, slot) {
		return nil, nil, nil, apperr.ErrAlreadyRated
	}

	updated, err := s.db.SetSwapRating(ctx, requestID, slot, models.Rating{
		Rating:    rating,
		Review:    review,
		CreatedAt: s.now(),
	})
	if errors.Is(err, database.ErrRatingConflict) {
		return nil, nil, nil, apperr.ErrAlreadyRated
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("store rating: %w", err)
	}

	agg, err := s.applyRating(ctx, target, rating)
	if err != nil {
		return nil, nil, nil, err
	}

	notice := RatingNotice{SwapRequestID: requestID, RaterID: raterID, RatedUserID: target, Rating: rating}
	evts := []events.Event{
		events.Room(requestID, events.TypeSwapRated, notice),
		events.UserOutsideRoom(target, requestID, events.TypeSwapRated, notice),
	}
	return updated, agg, evts, nil
}

// applyRating increments the aggregate and falls back to a full recompute.
// When both fail the user stays flagged dirty in the store and the
// reconciliation sweep recomputes it.
func (s *Service) applyRating(ctx context.Context, userID uuid.UUID, rating int) (*models.RatingAggregate, error) {
	agg, err := s.db.IncrementUserRating(ctx, userID, rating)
	if err == nil {
		return agg, nil
	}
	log.Warn("Incrementing rating of user %s failed, recomputing: %v", userID, err)

	agg, rerr := s.db.RecomputeUserRating(ctx, userID)
	if rerr == nil {
		return agg, nil
	}

	log.Error("Recomputing rating of user %s failed, left for reconciliation: %v", userID, rerr)
	return nil, fmt.Errorf("update rating aggregate of user %s: %w", userID, errors.Join(err, rerr))
}

// CanUserAccess reports whether userID participates in the request
func (s *Service) CanUserAccess(ctx context.Context, requestID, userID uuid.UUID) (bool, error) {
	if pair, ok := s.participants.Get(requestID); ok {
		p := pair.([2]uuid.UUID)
		return p[0] == userID || p[1] == userID, nil
	}

	req, err := s.swapRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	s.remember(req)
	return req.IsParticipant(userID), nil
}

// JoinRoom checks access to a conversation and marks what userID has
// received as read. The returned events tell the room about the receipts.
func (s *Service) JoinRoom(ctx context.Context, requestID, userID uuid.UUID) (int, []events.Event, error) {
	ok, err := s.CanUserAccess(ctx, requestID, userID)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, apperr.Forbidden("not a participant in this swap request")
	}
	if s.conv == nil {
		return 0, nil, nil
	}

	changed, err := s.conv.MarkMessagesAsRead(ctx, requestID, userID)
	if err != nil {
		return 0, nil, err
	}
	if changed == 0 {
		return 0, nil, nil
	}
	evt := events.Room(requestID, events.TypeMessagesRead, conversation.ConversationRead{
		SwapRequestID: requestID,
		ReaderID:      userID,
		Count:         changed,
	})
	return changed, []events.Event{evt}, nil
}

// Get returns a request visible to userID
func (s *Service) Get(ctx context.Context, requestID, userID uuid.UUID) (*models.SwapRequest, error) {
	req, err := s.swapRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParticipant(userID) {
		return nil, apperr.Forbidden("not a participant in this swap request")
	}
	return req, nil
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.InvalidArg(fmt.Sprintf("unknown status %q", filter.Status))
	}
	switch filter.Role {
	case "", "all":
		filter.Role = ""
	case "sent", "received":
	default:
		return nil, apperr.InvalidArg("type must be one of sent, received, all")
	}

	list, err := s.db.ListSwapRequestsByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.SwapRequest{}
	}
	return list, nil
}

// ListPending returns unexpired pending requests addressed to userID
func (s *Service) ListPending(ctx context.Context, userID uuid.UUID) ([]*models.SwapRequest, error) {
	list, err := s.db.ListPendingForReceiver(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.SwapRequest{}
	}
	return list, nil
}

// Contacts returns users with a pending or accepted swap with userID
func (s *Service) Contacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.db.ListActiveCounterparts(ctx, userID)
}

func (s *Service) remember(req *models.SwapRequest) {
	s.participants.Add(req.ID, [2]uuid.UUID{req.Requester.UserID, req.Receiver.UserID})
}

func (s *Service) swapRequest(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	req, err := s.db.GetSwapRequest(ctx, id)
	if errors.Is(err, database.ErrSwapRequestNotFound) {
		return nil, apperr.NotFound("swap request")
	}
	return req, err
}

func (s *Service) user(ctx context.Context, id uuid.UUID, what string) (*models.User, error) {
	u, err := s.db.GetUserByID(ctx, id)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, apperr.NotFound(what)
	}
	return u, err
}

func (s *Service) skill(ctx context.Context, id uuid.UUID, what string) (*models.Skill, error) {
	sk, err := s.db.GetSkillByID(ctx, id)
	if errors.Is(err, database.ErrSkillNotFound) {
		return nil, apperr.NotFound(what)
	}
	return sk, err
}

func participant(u *models.User) models.Participant {
	return models.Participant{
		UserID:          u.ID,
		Name:            u.Name,
		ProfilePhotoURL: u.ProfilePhotoURL,
		RatingAtRequest: u.Rating.Average,
	}
}

func filled(req *models.SwapRequest, slot models.RatingSlot) bool {
	if slot == models.SlotRequester {
		return req.Ratings.RequesterRating != nil
	}
	return req.Ratings.ReceiverRating != nil
}
