package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcore/internal/models"
)

// runStoreSuite exercises the behaviour every DBInterface implementation must
// share. newDB returns an empty store.
func runStoreSuite(t *testing.T, newDB func(t *testing.T) DBInterface) {
	t.Run("duplicate requests in either direction", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")

		first := newSwap(alice, bob, now)
		require.NoError(t, db.CreateSwapRequest(ctx, first, now))

		assert.ErrorIs(t, db.CreateSwapRequest(ctx, newSwap(alice, bob, now), now), ErrActiveSwapExists)
		assert.ErrorIs(t, db.CreateSwapRequest(ctx, newSwap(bob, alice, now), now), ErrActiveSwapExists)

		_, err := db.TransitionSwapStatus(ctx, first.ID, models.StatusPending, models.StatusRejected, now)
		require.NoError(t, err)
		assert.NoError(t, db.CreateSwapRequest(ctx, newSwap(bob, alice, now), now))
	})

	t.Run("expired pending request does not block", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")

		stale := newSwap(alice, bob, now.Add(-8*24*time.Hour))
		require.NoError(t, db.CreateSwapRequest(ctx, stale, now.Add(-8*24*time.Hour)))
		assert.NoError(t, db.CreateSwapRequest(ctx, newSwap(alice, bob, now), now))
	})

	t.Run("concurrent creates admit one", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from, to := alice, bob
				if i%2 == 1 {
					from, to = bob, alice
				}
				errs[i] = db.CreateSwapRequest(ctx, newSwap(from, to, now), now)
			}(i)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, ErrActiveSwapExists)
		}
		assert.Equal(t, 1, created)
	})

	t.Run("status transition is conditional", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		req := newSwap(seedUser(t, db, "alice"), seedUser(t, db, "bob"), now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))

		got, err := db.TransitionSwapStatus(ctx, req.ID, models.StatusPending, models.StatusAccepted, now)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, got.Status)
		require.NotNil(t, got.AcceptedAt)

		_, err = db.TransitionSwapStatus(ctx, req.ID, models.StatusPending, models.StatusRejected, now)
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = db.TransitionSwapStatus(ctx, uuid.New(), models.StatusPending, models.StatusAccepted, now)
		assert.ErrorIs(t, err, ErrSwapRequestNotFound)
	})

	t.Run("rating slot written once", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")
		req := newSwap(alice, bob, now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))

		rating := models.Rating{Rating: 4, Review: "solid", CreatedAt: now}
		_, err := db.SetSwapRating(ctx, req.ID, models.SlotReceiver, rating)
		assert.ErrorIs(t, err, ErrRatingConflict, "pending request cannot be rated")

		for _, step := range []models.SwapStatus{models.StatusAccepted, models.StatusCompleted} {
			from := models.StatusPending
			if step == models.StatusCompleted {
				from = models.StatusAccepted
			}
			_, err := db.TransitionSwapStatus(ctx, req.ID, from, step, now)
			require.NoError(t, err)
		}

		dirty, err := db.ListDirtyRatings(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, dirty, "a refused write flags nobody")

		got, err := db.SetSwapRating(ctx, req.ID, models.SlotReceiver, rating)
		require.NoError(t, err)
		require.NotNil(t, got.Ratings.ReceiverRating)
		assert.Equal(t, 4, got.Ratings.ReceiverRating.Rating)
		assert.Nil(t, got.Ratings.RequesterRating)

		dirty, err = db.ListDirtyRatings(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{bob.ID}, dirty, "the slot write flags the rated user")

		_, err = db.SetSwapRating(ctx, req.ID, models.SlotReceiver, rating)
		assert.ErrorIs(t, err, ErrRatingConflict)

		agg, err := db.IncrementUserRating(ctx, bob.ID, 4)
		require.NoError(t, err)
		assert.Equal(t, 1, agg.Count)
		assert.InDelta(t, 4.0, agg.Average, 0.001)

		recomputed, err := db.RecomputeUserRating(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, *agg, *recomputed)

		dirty, err = db.ListDirtyRatings(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, dirty, "a recompute clears the flag")

		empty, err := db.RecomputeUserRating(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, empty.Count)
	})

	t.Run("recent window keeps the newest entries", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")
		req := newSwap(alice, bob, now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))

		total := models.RecentMessageLimit + 5
		for i := 0; i < total; i++ {
			msg := models.EmbeddedMessage{
				SenderID:   alice.ID,
				SenderName: alice.Name,
				Content:    fmt.Sprintf("m%d", i),
				Timestamp:  now.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, db.AppendRecentMessage(ctx, req.ID, msg, models.RecentMessageLimit))
		}

		got, err := db.GetSwapRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, got.RecentMessages, models.RecentMessageLimit)
		assert.Equal(t, "m5", got.RecentMessages[0].Content)
		assert.Equal(t, fmt.Sprintf("m%d", total-1), got.RecentMessages[len(got.RecentMessages)-1].Content)
		assert.Equal(t, total, got.MessageCount)
		require.NotNil(t, got.LastMessageAt)

		changed, err := db.MarkRecentMessagesRead(ctx, req.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RecentMessageLimit, changed)

		changed, err = db.MarkRecentMessagesRead(ctx, req.ID, bob.ID)
		require.NoError(t, err)
		assert.Zero(t, changed)

		changed, err = db.MarkRecentMessagesRead(ctx, req.ID, alice.ID)
		require.NoError(t, err)
		assert.Zero(t, changed, "own messages are never flagged")
	})

	t.Run("message edit and delete guards", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")
		req := newSwap(alice, bob, now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))

		msg := newMessage(req, alice, bob, now)
		require.NoError(t, db.CreateMessage(ctx, msg))

		_, err := db.EditMessage(ctx, msg.ID, bob.ID, "hijack", now, now.Add(-models.EditWindow))
		assert.ErrorIs(t, err, ErrMessageConflict)

		edited, err := db.EditMessage(ctx, msg.ID, alice.ID, "fixed", now.Add(time.Minute), now.Add(-models.EditWindow))
		require.NoError(t, err)
		assert.Equal(t, "fixed", edited.Content)
		assert.True(t, edited.IsEdited())

		_, err = db.EditMessage(ctx, msg.ID, alice.ID, "late", now, now.Add(time.Second))
		assert.ErrorIs(t, err, ErrMessageConflict, "created before the window start")

		deleted, err := db.SoftDeleteMessage(ctx, msg.ID, alice.ID, now, now.Add(-models.DeleteWindow))
		require.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		assert.Equal(t, models.DeletedTombstone, deleted.Content)

		_, err = db.SoftDeleteMessage(ctx, msg.ID, alice.ID, now, now.Add(-models.DeleteWindow))
		assert.ErrorIs(t, err, ErrMessageConflict)

		_, err = db.EditMessage(ctx, uuid.New(), alice.ID, "x", now, now)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("read receipts and unread count", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")
		req := newSwap(alice, bob, now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			msg := newMessage(req, alice, bob, now.Add(time.Duration(i)*time.Second))
			require.NoError(t, db.CreateMessage(ctx, msg))
			ids = append(ids, msg.ID)
		}

		n, err := db.CountUnread(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		ok, err := db.MarkMessageAsRead(ctx, ids[0], alice.ID, now)
		require.NoError(t, err)
		assert.False(t, ok, "sender cannot mark own message")

		ok, err = db.MarkMessageAsRead(ctx, ids[0], bob.ID, now)
		require.NoError(t, err)
		assert.True(t, ok)

		marked, err := db.MarkConversationRead(ctx, req.ID, bob.ID, now)
		require.NoError(t, err)
		assert.EqualValues(t, 2, marked)

		n, err = db.CountUnread(ctx, bob.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		history, err := db.ListMessages(ctx, req.ID, 2, 1)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, ids[1], history[0].ID)
	})

	t.Run("session cap evicts least recently active", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice := seedUser(t, db, "alice")

		var first uuid.UUID
		for i := 0; i < models.MaxActiveSessions; i++ {
			s := newSession(alice.ID, now.Add(time.Duration(i)*time.Minute))
			if i == 0 {
				first = s.ID
			}
			evicted, err := db.CreateSession(ctx, s, models.MaxActiveSessions)
			require.NoError(t, err)
			assert.Empty(t, evicted)
		}

		evicted, err := db.CreateSession(ctx, newSession(alice.ID, now.Add(time.Hour)), models.MaxActiveSessions)
		require.NoError(t, err)
		require.Len(t, evicted, 1)
		assert.Equal(t, first, evicted[0].ID)
		assert.False(t, evicted[0].IsActive)
		assert.NotNil(t, evicted[0].LogoutAt)

		latest, err := db.LatestSession(ctx, alice.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(time.Hour), latest.LastActivity, time.Millisecond)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice := seedUser(t, db, "alice")

		s := newSession(alice.ID, now.Add(-25*time.Hour))
		_, err := db.CreateSession(ctx, s, models.MaxActiveSessions)
		require.NoError(t, err)

		found, err := db.GetSessionByTokenDigest(ctx, s.TokenDigest)
		require.NoError(t, err)
		assert.Equal(t, s.ID, found.ID)

		require.NoError(t, db.SetSessionOffline(ctx, s.ID, now.Add(-25*time.Hour)))

		expired, err := db.ExpireIdleSessions(ctx, now.Add(-models.SessionIdleExpiry), now)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, alice.ID, expired[0].UserID)

		_, err = db.GetSessionByTokenDigest(ctx, s.TokenDigest)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = db.AttachSession(ctx, s.ID, uuid.New(), now)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, db.TouchSession(ctx, s.ID, now), ErrSessionNotFound)
	})

	t.Run("invalidate all sessions but one", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice, bob := seedUser(t, db, "alice"), seedUser(t, db, "bob")

		keep := newSession(alice.ID, now)
		others := []*models.Session{newSession(alice.ID, now), newSession(alice.ID, now)}
		for _, s := range append([]*models.Session{keep, newSession(bob.ID, now)}, others...) {
			_, err := db.CreateSession(ctx, s, models.MaxActiveSessions)
			require.NoError(t, err)
		}

		invalidated, err := db.InvalidateUserSessions(ctx, alice.ID, keep.ID, now)
		require.NoError(t, err)
		require.Len(t, invalidated, 2)
		for _, s := range invalidated {
			assert.Equal(t, alice.ID, s.UserID)
			assert.False(t, s.IsActive)
			assert.NotEqual(t, keep.ID, s.ID)
		}

		_, err = db.GetSessionByTokenDigest(ctx, keep.TokenDigest)
		assert.NoError(t, err)
		_, err = db.GetSessionByTokenDigest(ctx, others[0].TokenDigest)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = db.LatestSession(ctx, bob.ID)
		assert.NoError(t, err, "other users are untouched")

		invalidated, err = db.InvalidateUserSessions(ctx, alice.ID, uuid.Nil, now)
		require.NoError(t, err)
		assert.Len(t, invalidated, 1)
	})

	t.Run("archive completed swaps", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		req := newSwap(seedUser(t, db, "alice"), seedUser(t, db, "bob"), now)
		require.NoError(t, db.CreateSwapRequest(ctx, req, now))
		old := now.Add(-31 * 24 * time.Hour)
		_, err := db.TransitionSwapStatus(ctx, req.ID, models.StatusPending, models.StatusAccepted, old)
		require.NoError(t, err)
		_, err = db.TransitionSwapStatus(ctx, req.ID, models.StatusAccepted, models.StatusCompleted, old)
		require.NoError(t, err)

		n, err := db.ArchiveCompletedBefore(ctx, now.Add(-models.ArchiveAfter))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		archived := true
		list, err := db.ListSwapRequestsByUser(ctx, req.Requester.UserID, models.SwapFilter{Archived: &archived})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].IsArchived)
	})
}

func seedUser(t *testing.T, db DBInterface, name string) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.New(),
		Name:      name,
		Email:     name + "@example.com",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	u.LastActive = u.CreatedAt
	require.NoError(t, db.SaveUser(context.Background(), u))
	return u
}

func newSwap(from, to *models.User, now time.Time) *models.SwapRequest {
	return &models.SwapRequest{
		ID:        uuid.New(),
		Requester: models.Participant{UserID: from.ID, Name: from.Name},
		Receiver:  models.Participant{UserID: to.ID, Name: to.Name},
		SkillExchange: models.SkillExchange{
			Offered: models.SkillRef{SkillID: uuid.New(), Name: "Go", Category: "programming"},
			Wanted:  models.SkillRef{SkillID: uuid.New(), Name: "Guitar", Category: "music"},
		},
		Status:           models.StatusPending,
		ProposedFormat:   "online",
		ProposedDuration: 60,
		ExpiresAt:        now.Add(models.DefaultRequestTTL),
		RecentMessages:   []models.EmbeddedMessage{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newMessage(req *models.SwapRequest, from, to *models.User, at time.Time) *models.Message {
	return &models.Message{
		ID:            uuid.New(),
		SwapRequestID: req.ID,
		Sender:        models.MessageParty{UserID: from.ID, Name: from.Name},
		Receiver:      models.MessageParty{UserID: to.ID, Name: to.Name},
		Content:       "hello",
		MessageType:   models.MessageText,
		CreatedAt:     at,
	}
}

func newSession(userID uuid.UUID, at time.Time) *models.Session {
	return &models.Session{
		ID:           uuid.New(),
		UserID:       userID,
		TokenDigest:  uuid.NewString(),
		IsOnline:     true,
		IsActive:     true,
		LastActivity: at,
		LoginAt:      at,
		SessionType:  "web",
	}
}
