package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/models"
)

// MemoryDB keeps everything in process memory behind one mutex. Every method
// is a single critical section, which gives it the same atomicity as the
// conditional statements in PostgresDB. Used for development and tests.
type MemoryDB struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	skills   map[uuid.UUID]*models.Skill
	swaps    map[uuid.UUID]*models.SwapRequest
	messages map[uuid.UUID]*models.Message
	sessions map[uuid.UUID]*models.Session
	dirty    map[uuid.UUID]struct{}
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:    make(map[uuid.UUID]*models.User),
		skills:   make(map[uuid.UUID]*models.Skill),
		swaps:    make(map[uuid.UUID]*models.SwapRequest),
		messages: make(map[uuid.UUID]*models.Message),
		sessions: make(map[uuid.UUID]*models.Session),
		dirty:    make(map[uuid.UUID]struct{}),
	}
}

func (db *MemoryDB) Close() error { return nil }

// Directory

func (db *MemoryDB) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (db *MemoryDB) GetSkillByID(_ context.Context, id uuid.UUID) (*models.Skill, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.skills[id]
	if !ok {
		return nil, ErrSkillNotFound
	}
	cp := *s
	return &cp, nil
}

func (db *MemoryDB) SaveUser(_ context.Context, u *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[u.ID] = cloneUser(u)
	return nil
}

func (db *MemoryDB) SaveSkill(_ context.Context, s *models.Skill) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *s
	db.skills[s.ID] = &cp
	return nil
}

func (db *MemoryDB) IncrementUserRating(_ context.Context, userID uuid.UUID, rating int) (*models.RatingAggregate, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Rating.Total += rating
	u.Rating.Count++
	u.Rating.Average = float64(u.Rating.Total) / float64(u.Rating.Count)
	db.dirty[userID] = struct{}{}
	agg := u.Rating
	return &agg, nil
}

func (db *MemoryDB) RecomputeUserRating(_ context.Context, userID uuid.UUID) (*models.RatingAggregate, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	var agg models.RatingAggregate
	for _, r := range db.swaps {
		if r.Requester.UserID == userID && r.Ratings.RequesterRating != nil {
			agg.Total += r.Ratings.RequesterRating.Rating
			agg.Count++
		}
		if r.Receiver.UserID == userID && r.Ratings.ReceiverRating != nil {
			agg.Total += r.Ratings.ReceiverRating.Rating
			agg.Count++
		}
	}
	if agg.Count > 0 {
		agg.Average = float64(agg.Total) / float64(agg.Count)
	}
	u.Rating = agg
	delete(db.dirty, userID)
	return &agg, nil
}

func (db *MemoryDB) ListDirtyRatings(_ context.Context, limit int) ([]uuid.UUID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]uuid.UUID, 0, len(db.dirty))
	for id := range db.dirty {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return paginate(out, limit, 0), nil
}

// Swap requests

func (db *MemoryDB) CreateSwapRequest(_ context.Context, req *models.SwapRequest, now time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, b := req.Requester.UserID, req.Receiver.UserID
	for _, r := range db.swaps {
		samePair := (r.Requester.UserID == a && r.Receiver.UserID == b) ||
			(r.Requester.UserID == b && r.Receiver.UserID == a)
		if samePair && r.Status.Active() && !r.IsExpired(now) {
			return ErrActiveSwapExists
		}
	}
	db.swaps[req.ID] = cloneSwap(req)
	return nil
}

func (db *MemoryDB) GetSwapRequest(_ context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.swaps[id]
	if !ok {
		return nil, ErrSwapRequestNotFound
	}
	return cloneSwap(r), nil
}

func (db *MemoryDB) TransitionSwapStatus(_ context.Context, id uuid.UUID, from, to models.SwapStatus, at time.Time) (*models.SwapRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.swaps[id]
	if !ok {
		return nil, ErrSwapRequestNotFound
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}
	r.Status = to
	r.UpdatedAt = at
	t := at
	switch to {
	case models.StatusAccepted:
		r.AcceptedAt = &t
	case models.StatusRejected:
		r.RejectedAt = &t
	case models.StatusCancelled:
		r.CancelledAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	}
	return cloneSwap(r), nil
}

func (db *MemoryDB) SetSwapRating(_ context.Context, id uuid.UUID, slot models.RatingSlot, rating models.Rating) (*models.SwapRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.swaps[id]
	if !ok {
		return nil, ErrSwapRequestNotFound
	}
	if r.Status != models.StatusCompleted {
		return nil, ErrRatingConflict
	}
	rt := rating
	switch slot {
	case models.SlotRequester:
		if r.Ratings.RequesterRating != nil {
			return nil, ErrRatingConflict
		}
		r.Ratings.RequesterRating = &rt
		db.dirty[r.Requester.UserID] = struct{}{}
	case models.SlotReceiver:
		if r.Ratings.ReceiverRating != nil {
			return nil, ErrRatingConflict
		}
		r.Ratings.ReceiverRating = &rt
		db.dirty[r.Receiver.UserID] = struct{}{}
	default:
		return nil, ErrRatingConflict
	}
	r.UpdatedAt = rating.CreatedAt
	return cloneSwap(r), nil
}

func (db *MemoryDB) AppendRecentMessage(_ context.Context, id uuid.UUID, msg models.EmbeddedMessage, limit int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.swaps[id]
	if !ok {
		return ErrSwapRequestNotFound
	}
	window := append(r.RecentMessages, msg)
	if len(window) > limit {
		window = append([]models.EmbeddedMessage(nil), window[len(window)-limit:]...)
	}
	r.RecentMessages = window
	r.MessageCount++
	ts := msg.Timestamp
	r.LastMessageAt = &ts
	r.UpdatedAt = ts
	return nil
}

func (db *MemoryDB) MarkRecentMessagesRead(_ context.Context, id, readerID uuid.UUID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.swaps[id]
	if !ok {
		return 0, ErrSwapRequestNotFound
	}
	changed := 0
	for i := range r.RecentMessages {
		m := &r.RecentMessages[i]
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			changed++
		}
	}
	return changed, nil
}

func (db *MemoryDB) ListSwapRequestsByUser(_ context.Context, userID uuid.UUID, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.SwapRequest
	for _, r := range db.swaps {
		switch filter.Role {
		case "sent":
			if r.Requester.UserID != userID {
				continue
			}
		case "received":
			if r.Receiver.UserID != userID {
				continue
			}
		default:
			if !r.IsParticipant(userID) {
				continue
			}
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Archived != nil && r.IsArchived != *filter.Archived {
			continue
		}
		out = append(out, cloneSwap(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (db *MemoryDB) ListPendingForReceiver(_ context.Context, userID uuid.UUID, now time.Time) ([]*models.SwapRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.SwapRequest
	for _, r := range db.swaps {
		if r.Receiver.UserID == userID && r.Status == models.StatusPending && r.ExpiresAt.After(now) {
			out = append(out, cloneSwap(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (db *MemoryDB) ListActiveCounterparts(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, r := range db.swaps {
		if !r.Status.Active() || !r.IsParticipant(userID) {
			continue
		}
		other := r.Counterpart(userID).UserID
		if _, ok := seen[other]; !ok {
			seen[other] = struct{}{}
			out = append(out, other)
		}
	}
	return out, nil
}

func (db *MemoryDB) ArchiveCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for _, r := range db.swaps {
		if r.Status == models.StatusCompleted && !r.IsArchived && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			r.IsArchived = true
			n++
		}
	}
	return n, nil
}

// Messages

func (db *MemoryDB) CreateMessage(_ context.Context, msg *models.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.swaps[msg.SwapRequestID]; !ok {
		return ErrSwapRequestNotFound
	}
	db.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (db *MemoryDB) GetMessageByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (db *MemoryDB) EditMessage(_ context.Context, id, senderID uuid.UUID, content string, editedAt, createdAfter time.Time) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if m.Sender.UserID != senderID || m.IsDeleted || m.MessageType != models.MessageText || !m.CreatedAt.After(createdAfter) {
		return nil, ErrMessageConflict
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	return cloneMessage(m), nil
}

func (db *MemoryDB) SoftDeleteMessage(_ context.Context, id, senderID uuid.UUID, deletedAt, createdAfter time.Time) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if m.Sender.UserID != senderID || m.IsDeleted || !m.CreatedAt.After(createdAfter) {
		return nil, ErrMessageConflict
	}
	m.IsDeleted = true
	t := deletedAt
	m.DeletedAt = &t
	m.Content = models.DeletedTombstone
	return cloneMessage(m), nil
}

func (db *MemoryDB) MarkMessageAsRead(_ context.Context, id, readerID uuid.UUID, at time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if m.Receiver.UserID != readerID || m.IsRead {
		return false, nil
	}
	m.IsRead = true
	t := at
	m.ReadAt = &t
	return true, nil
}

func (db *MemoryDB) MarkConversationRead(_ context.Context, swapRequestID, readerID uuid.UUID, at time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for _, m := range db.messages {
		if m.SwapRequestID == swapRequestID && m.Receiver.UserID == readerID && !m.IsRead && !m.IsDeleted {
			m.IsRead = true
			t := at
			m.ReadAt = &t
			n++
		}
	}
	return n, nil
}

func (db *MemoryDB) ListMessages(_ context.Context, swapRequestID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Message
	for _, m := range db.messages {
		if m.SwapRequestID == swapRequestID && !m.IsDeleted {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (db *MemoryDB) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, m := range db.messages {
		if m.Receiver.UserID == userID && !m.IsRead && !m.IsDeleted {
			n++
		}
	}
	return n, nil
}

// Sessions

func (db *MemoryDB) CreateSession(_ context.Context, s *models.Session, maxActive int) ([]*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var active []*models.Session
	for _, existing := range db.sessions {
		if existing.UserID == s.UserID && existing.IsActive {
			active = append(active, existing)
		}
	}
	var evicted []*models.Session
	if excess := len(active) - maxActive + 1; excess > 0 {
		sort.Slice(active, func(i, j int) bool { return active[i].LastActivity.Before(active[j].LastActivity) })
		for _, old := range active[:excess] {
			invalidate(old, s.LoginAt)
			cp := *old
			evicted = append(evicted, &cp)
		}
	}
	cp := *s
	db.sessions[s.ID] = &cp
	return evicted, nil
}

func (db *MemoryDB) GetSessionByTokenDigest(_ context.Context, digest string) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, s := range db.sessions {
		if s.TokenDigest == digest && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (db *MemoryDB) AttachSession(_ context.Context, id, socketID uuid.UUID, at time.Time) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[id]
	if !ok || !s.IsActive {
		return nil, ErrSessionNotFound
	}
	sock := socketID
	s.SocketID = &sock
	s.IsOnline = true
	s.LastActivity = at
	cp := *s
	return &cp, nil
}

func (db *MemoryDB) TouchSession(_ context.Context, id uuid.UUID, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[id]
	if !ok || !s.IsActive {
		return ErrSessionNotFound
	}
	s.LastActivity = at
	return nil
}

func (db *MemoryDB) SetSessionOffline(_ context.Context, id uuid.UUID, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.IsOnline = false
	s.SocketID = nil
	s.LastActivity = at
	return nil
}

func (db *MemoryDB) LatestSession(_ context.Context, userID uuid.UUID) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var latest *models.Session
	for _, s := range db.sessions {
		if s.UserID == userID && s.IsActive && (latest == nil || s.LastActivity.After(latest.LastActivity)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	cp := *latest
	return &cp, nil
}

func (db *MemoryDB) InvalidateUserSessions(_ context.Context, userID, except uuid.UUID, at time.Time) ([]*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Session
	for _, s := range db.sessions {
		if s.UserID == userID && s.IsActive && s.ID != except {
			invalidate(s, at)
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (db *MemoryDB) ExpireIdleSessions(_ context.Context, cutoff, at time.Time) ([]*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var expired []*models.Session
	for _, s := range db.sessions {
		if s.IsActive && s.LastActivity.Before(cutoff) {
			invalidate(s, at)
			cp := *s
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func invalidate(s *models.Session, at time.Time) {
	s.IsActive = false
	s.IsOnline = false
	s.SocketID = nil
	t := at
	s.LogoutAt = &t
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneUser(u *models.User) *models.User {
	cp := *u
	cp.SkillsOffered = append([]models.UserSkill(nil), u.SkillsOffered...)
	cp.SkillsWanted = append([]models.UserSkill(nil), u.SkillsWanted...)
	return &cp
}

func cloneSwap(r *models.SwapRequest) *models.SwapRequest {
	cp := *r
	cp.RecentMessages = append([]models.EmbeddedMessage(nil), r.RecentMessages...)
	if r.Ratings.RequesterRating != nil {
		rt := *r.Ratings.RequesterRating
		cp.Ratings.RequesterRating = &rt
	}
	if r.Ratings.ReceiverRating != nil {
		rt := *r.Ratings.ReceiverRating
		cp.Ratings.ReceiverRating = &rt
	}
	return &cp
}

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	cp.Attachments = append([]models.Attachment(nil), m.Attachments...)
	return &cp
}
