package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/models"
)

func newTestRegistry() (*Registry, *database.MemoryDB, *time.Time) {
	db := database.NewMemoryDB()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(db).WithClock(func() time.Time { return now })
	return r, db, &now
}

func connect(t *testing.T, r *Registry, userID uuid.UUID) (uuid.UUID, *ConnectResult) {
	t.Helper()
	connID := uuid.New()
	res, err := r.Connect(context.Background(), ConnectInput{UserID: userID, ConnID: connID})
	require.NoError(t, err)
	return connID, res
}

func TestConnectAndDisconnect(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	first, res := connect(t, r, user)
	assert.True(t, res.BecameOnline)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, Digest(res.Token), res.Session.TokenDigest)
	assert.True(t, r.IsOnline(user))

	second, res := connect(t, r, user)
	assert.False(t, res.BecameOnline, "already online from another tab")
	assert.Len(t, r.Connections(user), 2)

	got, offline, err := r.Disconnect(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, user, got)
	assert.False(t, offline, "one connection left")
	assert.True(t, r.IsOnline(user))

	_, offline, err = r.Disconnect(ctx, second)
	require.NoError(t, err)
	assert.True(t, offline)
	assert.False(t, r.IsOnline(user))

	_, offline, err = r.Disconnect(ctx, second)
	require.NoError(t, err)
	assert.False(t, offline, "second disconnect of the same socket is a no-op")
}

func TestSessionCapEvictsLeastRecentlyActive(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	var conns []uuid.UUID
	var sessions []*models.Session
	for i := 0; i < models.MaxActiveSessions; i++ {
		*now = now.Add(time.Minute)
		c, res := connect(t, r, user)
		conns = append(conns, c)
		sessions = append(sessions, res.Session)
	}

	// The oldest session becomes the most recently active one.
	*now = now.Add(time.Minute)
	require.NoError(t, db.TouchSession(ctx, sessions[0].ID, *now))

	*now = now.Add(time.Minute)
	_, res := connect(t, r, user)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, sessions[1].ID, res.Evicted[0].ID)
	assert.Equal(t, []uuid.UUID{conns[1]}, res.EvictedConns)
	assert.Len(t, r.Connections(user), models.MaxActiveSessions)

	active := 0
	for _, s := range append(sessions, res.Session) {
		if _, err := db.GetSessionByTokenDigest(ctx, s.TokenDigest); err == nil {
			active++
		}
	}
	assert.Equal(t, models.MaxActiveSessions, active)
}

func TestSessionCapUsesUnpersistedActivity(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	var conns []uuid.UUID
	var sessions []*models.Session
	for i := 0; i < models.MaxActiveSessions; i++ {
		*now = now.Add(time.Second)
		c, res := connect(t, r, user)
		conns = append(conns, c)
		sessions = append(sessions, res.Session)
	}

	// Inside the heartbeat throttle, so only the index knows about it
	*now = now.Add(20 * time.Second)
	require.NoError(t, r.Touch(ctx, conns[0]))
	stored, err := db.GetSessionByTokenDigest(ctx, sessions[0].TokenDigest)
	require.NoError(t, err)
	require.True(t, stored.LastActivity.Before(*now))

	*now = now.Add(time.Second)
	_, res := connect(t, r, user)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, sessions[1].ID, res.Evicted[0].ID)
	assert.Equal(t, []uuid.UUID{conns[1]}, res.EvictedConns)

	stored, err = db.GetSessionByTokenDigest(ctx, sessions[0].TokenDigest)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Second), stored.LastActivity)
}

func TestTouchUser(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()
	connect(t, r, user)
	connect(t, r, user)

	*now = now.Add(6 * time.Minute)
	assert.False(t, r.IsOnline(user))

	require.NoError(t, r.TouchUser(ctx, user))
	assert.True(t, r.IsOnline(user))

	latest, err := db.LatestSession(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, *now, latest.LastActivity, "past the throttle, so it is persisted")

	require.NoError(t, r.TouchUser(ctx, uuid.New()), "no connections is a no-op")
}

func TestResumeToken(t *testing.T) {
	r, _, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	first, res := connect(t, r, user)
	_, _, err := r.Disconnect(ctx, first)
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	again, err := r.Connect(ctx, ConnectInput{UserID: user, ConnID: uuid.New(), ResumeToken: res.Token})
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, res.Session.ID, again.Session.ID)
	assert.Equal(t, res.Token, again.Token)
	assert.True(t, again.BecameOnline)

	other, err := r.Connect(ctx, ConnectInput{UserID: uuid.New(), ConnID: uuid.New(), ResumeToken: res.Token})
	require.NoError(t, err)
	assert.False(t, other.Resumed, "a token never crosses users")
	assert.NotEqual(t, res.Session.ID, other.Session.ID)

	bogus, err := r.Connect(ctx, ConnectInput{UserID: user, ConnID: uuid.New(), ResumeToken: "nope"})
	require.NoError(t, err)
	assert.False(t, bogus.Resumed)
}

func TestSharedSessionStaysOnline(t *testing.T) {
	r, db, _ := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	first, res := connect(t, r, user)
	_, err := r.Connect(ctx, ConnectInput{UserID: user, ConnID: uuid.New(), ResumeToken: res.Token})
	require.NoError(t, err)

	_, offline, err := r.Disconnect(ctx, first)
	require.NoError(t, err)
	assert.False(t, offline)

	latest, err := db.LatestSession(ctx, user)
	require.NoError(t, err)
	assert.True(t, latest.IsOnline, "the session is still used by the resumed socket")
}

func TestOnlineWindow(t *testing.T) {
	r, _, now := newTestRegistry()
	user := uuid.New()
	c, _ := connect(t, r, user)

	*now = now.Add(4 * time.Minute)
	assert.True(t, r.IsOnline(user))

	*now = now.Add(2 * time.Minute)
	assert.False(t, r.IsOnline(user), "idle past the online window")

	require.NoError(t, r.Touch(context.Background(), c))
	assert.True(t, r.IsOnline(user))
}

func TestStatus(t *testing.T) {
	r, _, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()

	st, err := r.Status(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Nil(t, st.LastSeen)

	c, _ := connect(t, r, user)
	st, err = r.Status(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, "desktop", st.DeviceType)

	*now = now.Add(10 * time.Minute)
	_, _, err = r.Disconnect(ctx, c)
	require.NoError(t, err)

	st, err = r.Status(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Online)
	require.NotNil(t, st.LastSeen)
	assert.Equal(t, *now, *st.LastSeen, "last seen comes from the stored session")
}

func TestStatusFromAnotherInstance(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	user := uuid.New()
	connect(t, r, user)

	other := NewRegistry(db).WithClock(func() time.Time { return *now })
	*now = now.Add(time.Minute)
	st, err := other.Status(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.Online, "the stored session is online and recent")
	assert.Equal(t, 0, st.Connections)

	*now = now.Add(models.OnlineWindow)
	st, err = other.Status(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Online)
	require.NotNil(t, st.LastSeen)
}

func TestOnlineContacts(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	alice, bob, carol, dave := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	for _, pair := range [][2]uuid.UUID{{alice, bob}, {carol, alice}} {
		req := &models.SwapRequest{
			ID:        uuid.New(),
			Requester: models.Participant{UserID: pair[0]},
			Receiver:  models.Participant{UserID: pair[1]},
			Status:    models.StatusPending,
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: *now,
		}
		require.NoError(t, db.CreateSwapRequest(ctx, req, *now))
	}

	connect(t, r, alice)
	connect(t, r, bob)
	connect(t, r, dave)

	online, err := r.OnlineContacts(ctx, alice)
	require.NoError(t, err)
	require.Len(t, online, 1, "carol is offline and dave is no contact")
	assert.Equal(t, bob, online[0].UserID)
	assert.True(t, online[0].Online)
	assert.Equal(t, 1, online[0].Connections)

	*now = now.Add(models.OnlineWindow)
	online, err = r.OnlineContacts(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestInvalidateAll(t *testing.T) {
	r, db, _ := newTestRegistry()
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()

	keepConn, keep := connect(t, r, user)
	first, _ := connect(t, r, user)
	second, _ := connect(t, r, user)
	connect(t, r, other)

	keepID, err := r.SessionForToken(ctx, user, keep.Token)
	require.NoError(t, err)
	assert.Equal(t, keep.Session.ID, keepID)
	_, err = r.SessionForToken(ctx, other, keep.Token)
	assert.ErrorIs(t, err, database.ErrSessionNotFound, "a token never crosses users")

	dropped, offline, err := r.InvalidateAll(ctx, user, keepID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{first, second}, dropped)
	assert.False(t, offline)
	assert.Equal(t, []uuid.UUID{keepConn}, r.Connections(user))
	assert.Len(t, r.Connections(other), 1)

	_, err = db.GetSessionByTokenDigest(ctx, keep.Session.TokenDigest)
	assert.NoError(t, err)

	dropped, offline, err = r.InvalidateAll(ctx, user, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{keepConn}, dropped)
	assert.True(t, offline)
	assert.False(t, r.IsOnline(user))
}

func TestSweep(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	idle, busy := uuid.New(), uuid.New()

	connect(t, r, idle)
	busyConn, _ := connect(t, r, busy)

	*now = now.Add(models.SessionIdleExpiry - time.Minute)
	require.NoError(t, r.Touch(ctx, busyConn))

	*now = now.Add(2 * time.Minute)
	offline, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{idle}, offline)
	assert.Empty(t, r.Connections(idle))
	assert.Len(t, r.Connections(busy), 1)

	_, err = db.LatestSession(ctx, idle)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)

	offline, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, offline, "sweeping twice changes nothing")
}

func TestStatusEvents(t *testing.T) {
	r, db, now := newTestRegistry()
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	for _, pair := range [][2]uuid.UUID{{alice, bob}, {carol, alice}} {
		req := &models.SwapRequest{
			ID:        uuid.New(),
			Requester: models.Participant{UserID: pair[0]},
			Receiver:  models.Participant{UserID: pair[1]},
			Status:    models.StatusPending,
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: *now,
		}
		require.NoError(t, db.CreateSwapRequest(ctx, req, *now))
	}

	evts, err := r.StatusEvents(ctx, alice, true)
	require.NoError(t, err)
	require.Len(t, evts, 2)

	var targets []uuid.UUID
	for _, e := range evts {
		assert.Equal(t, events.TypeUserStatusChanged, e.Type)
		assert.True(t, e.Ephemeral)
		assert.Equal(t, StatusChange{UserID: alice, Online: true, At: *now}, e.Payload)
		targets = append(targets, e.Audience.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{bob, carol}, targets)
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
	assert.Len(t, Digest("abc"), 64)
}
