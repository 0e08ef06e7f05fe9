// Package presence tracks live connections per user and derives a single
// online/offline signal from them.
package presence

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/models"
)

// touchInterval limits how often heartbeats reach the database. The
// in-memory index is always updated.
const touchInterval = 30 * time.Second

var log = logger.New("presence")

// Store is the slice of the database the registry needs
type Store interface {
	database.SessionStore
	ListActiveCounterparts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type conn struct {
	id           uuid.UUID
	userID       uuid.UUID
	sessionID    uuid.UUID
	deviceType   string
	lastActivity time.Time
	persistedAt  time.Time
}

type Registry struct {
	db  Store
	now func() time.Time

	mu     sync.Mutex
	byUser map[uuid.UUID]map[uuid.UUID]*conn
	byConn map[uuid.UUID]*conn
}

func NewRegistry(db Store) *Registry {
	return &Registry{
		db:     db,
		now:    time.Now,
		byUser: make(map[uuid.UUID]map[uuid.UUID]*conn),
		byConn: make(map[uuid.UUID]*conn),
	}
}

// WithClock replaces the time source
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

type ConnectInput struct {
	UserID      uuid.UUID
	ConnID      uuid.UUID
	Device      models.DeviceInfo
	SessionType string
	// ResumeToken reattaches an existing session of the same user
	ResumeToken string
}

type ConnectResult struct {
	Session *models.Session
	// Token is the raw session token. Only its digest is stored.
	Token   string
	Evicted []*models.Session
	// EvictedConns are live connections whose session was evicted. They are
	// no longer tracked; closing their transport is up to the caller.
	EvictedConns []uuid.UUID
	BecameOnline bool
	Resumed      bool
}

// StatusChange is the payload of user_status_changed
type StatusChange struct {
	UserID uuid.UUID `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Digest is what the session store keeps instead of the raw token
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Connect registers a connection. The sixth session of a user evicts the
// least recently active one.
func (r *Registry) Connect(ctx context.Context, in ConnectInput) (*ConnectResult, error) {
	now := r.now()
	res := &ConnectResult{}

	if in.ResumeToken != "" {
		sess, err := r.resume(ctx, in, now)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			res.Session = sess
			res.Token = in.ResumeToken
			res.Resumed = true
		}
	}

	if res.Session == nil {
		token, err := newToken()
		if err != nil {
			return nil, fmt.Errorf("generate session token: %w", err)
		}
		sessionType := in.SessionType
		if sessionType == "" {
			sessionType = "web"
		}
		connID := in.ConnID
		sess := &models.Session{
			ID:           uuid.New(),
			UserID:       in.UserID,
			TokenDigest:  Digest(token),
			SocketID:     &connID,
			IsOnline:     true,
			IsActive:     true,
			LastActivity: now,
			LoginAt:      now,
			DeviceInfo:   in.Device,
			SessionType:  sessionType,
		}
		// Eviction orders by stored activity, so throttled heartbeats land first
		if err := r.flush(ctx, in.UserID); err != nil {
			return nil, fmt.Errorf("flush activity: %w", err)
		}
		evicted, err := r.db.CreateSession(ctx, sess, models.MaxActiveSessions)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		res.Session, res.Token, res.Evicted = sess, token, evicted
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wasOnline := r.onlineLocked(in.UserID, now)
	for _, ev := range res.Evicted {
		res.EvictedConns = append(res.EvictedConns, r.dropSessionLocked(ev.ID)...)
	}

	c := &conn{
		id:           in.ConnID,
		userID:       in.UserID,
		sessionID:    res.Session.ID,
		deviceType:   res.Session.DeviceType(),
		lastActivity: now,
		persistedAt:  now,
	}
	if r.byUser[in.UserID] == nil {
		r.byUser[in.UserID] = make(map[uuid.UUID]*conn)
	}
	r.byUser[in.UserID][c.id] = c
	r.byConn[c.id] = c

	res.BecameOnline = !wasOnline
	log.Debug("Connection %s registered for user %s (session %s, resumed=%v)", c.id, in.UserID, c.sessionID, res.Resumed)
	return res, nil
}

// resume returns nil without error when the token does not name an active
// session of this user; the caller then starts a fresh one.
func (r *Registry) resume(ctx context.Context, in ConnectInput, now time.Time) (*models.Session, error) {
	sess, err := r.db.GetSessionByTokenDigest(ctx, Digest(in.ResumeToken))
	if errors.Is(err, database.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != in.UserID || sess.IsExpired(now) {
		return nil, nil
	}

	attached, err := r.db.AttachSession(ctx, sess.ID, in.ConnID, now)
	if errors.Is(err, database.ErrSessionNotFound) {
		return nil, nil
	}
	return attached, err
}

// Disconnect forgets a connection. becameOffline is true only when it was
// the user's last one.
func (r *Registry) Disconnect(ctx context.Context, connID uuid.UUID) (uuid.UUID, bool, error) {
	now := r.now()

	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return uuid.Nil, false, nil
	}
	r.removeLocked(c)
	remaining := len(r.byUser[c.userID])
	shared := r.sessionInUseLocked(c.sessionID)
	r.mu.Unlock()

	becameOffline := remaining == 0
	if shared {
		return c.userID, becameOffline, nil
	}

	err := r.db.SetSessionOffline(ctx, c.sessionID, now)
	if errors.Is(err, database.ErrSessionNotFound) {
		err = nil
	}
	return c.userID, becameOffline, err
}

// Touch records activity on a connection
func (r *Registry) Touch(ctx context.Context, connID uuid.UUID) error {
	now := r.now()

	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	persist := r.touchLocked(c, now)
	r.mu.Unlock()

	if persist == uuid.Nil {
		return nil
	}
	return r.db.TouchSession(ctx, persist, now)
}

// TouchUser records activity on every live connection of a user. HTTP
// mutations count as activity the same way socket frames do.
func (r *Registry) TouchUser(ctx context.Context, userID uuid.UUID) error {
	now := r.now()

	r.mu.Lock()
	var persist []uuid.UUID
	for _, c := range r.byUser[userID] {
		if id := r.touchLocked(c, now); id != uuid.Nil {
			persist = append(persist, id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range persist {
		if err := r.db.TouchSession(ctx, id, now); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// touchLocked returns the session to persist, or uuid.Nil while throttled
func (r *Registry) touchLocked(c *conn, now time.Time) uuid.UUID {
	c.lastActivity = now
	if now.Sub(c.persistedAt) < touchInterval {
		return uuid.Nil
	}
	c.persistedAt = now
	return c.sessionID
}

// flush writes activity still held back by the heartbeat throttle
func (r *Registry) flush(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	pending := make(map[uuid.UUID]time.Time)
	for _, c := range r.byUser[userID] {
		if !c.lastActivity.After(c.persistedAt) {
			continue
		}
		if at, ok := pending[c.sessionID]; !ok || c.lastActivity.After(at) {
			pending[c.sessionID] = c.lastActivity
		}
		c.persistedAt = c.lastActivity
	}
	r.mu.Unlock()

	for id, at := range pending {
		if err := r.db.TouchSession(ctx, id, at); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// IsOnline answers from the in-memory index only
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked(userID, r.now())
}

// Connections lists the live connection IDs of a user
func (r *Registry) Connections(userID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[userID]
	out := make([]uuid.UUID, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// OnlineContacts lists the presence of userID's swap counterparts that are
// online right now. The caller is never included.
func (r *Registry) OnlineContacts(ctx context.Context, userID uuid.UUID) ([]models.PresenceStatus, error) {
	contacts, err := r.db.ListActiveCounterparts(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PresenceStatus, 0, len(contacts))
	for _, contact := range contacts {
		if contact == userID || !r.onlineLocked(contact, now) {
			continue
		}
		st := models.PresenceStatus{UserID: contact, Online: true, Connections: len(r.byUser[contact])}
		var latest *conn
		for _, c := range r.byUser[contact] {
			if latest == nil || c.lastActivity.After(latest.lastActivity) {
				latest = c
			}
		}
		seen := latest.lastActivity
		st.LastSeen = &seen
		st.DeviceType = latest.deviceType
		out = append(out, st)
	}
	return out, nil
}

// SessionForToken resolves a raw session token of userID to its session
func (r *Registry) SessionForToken(ctx context.Context, userID uuid.UUID, token string) (uuid.UUID, error) {
	sess, err := r.db.GetSessionByTokenDigest(ctx, Digest(token))
	if err != nil {
		return uuid.Nil, err
	}
	if sess.UserID != userID {
		return uuid.Nil, database.ErrSessionNotFound
	}
	return sess.ID, nil
}

// InvalidateAll ends every session of a user except the one named by
// except (uuid.Nil ends them all). The returned connections are no longer
// tracked; closing their transport is up to the caller.
func (r *Registry) InvalidateAll(ctx context.Context, userID, except uuid.UUID) ([]uuid.UUID, bool, error) {
	now := r.now()
	ended, err := r.db.InvalidateUserSessions(ctx, userID, except, now)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	hadConns := len(r.byUser[userID]) > 0
	var dropped []uuid.UUID
	for _, s := range ended {
		dropped = append(dropped, r.dropSessionLocked(s.ID)...)
	}
	if len(ended) > 0 {
		log.Info("Invalidated %d sessions of user %s", len(ended), userID)
	}
	return dropped, hadConns && len(r.byUser[userID]) == 0, nil
}

// Status reports the presence of a user. Without a live connection here
// the latest stored session answers, which covers sockets held by another
// instance.
func (r *Registry) Status(ctx context.Context, userID uuid.UUID) (*models.PresenceStatus, error) {
	now := r.now()
	st := &models.PresenceStatus{UserID: userID}

	r.mu.Lock()
	var latest *conn
	for _, c := range r.byUser[userID] {
		if latest == nil || c.lastActivity.After(latest.lastActivity) {
			latest = c
		}
	}
	st.Connections = len(r.byUser[userID])
	st.Online = r.onlineLocked(userID, now)
	r.mu.Unlock()

	if latest != nil {
		seen := latest.lastActivity
		st.LastSeen = &seen
		st.DeviceType = latest.deviceType
		return st, nil
	}

	sess, err := r.db.LatestSession(ctx, userID)
	if errors.Is(err, database.ErrSessionNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	seen := sess.LastActivity
	st.LastSeen = &seen
	st.DeviceType = sess.DeviceType()
	st.Online = sess.IsCurrentlyActive(now)
	return st, nil
}

// Sweep invalidates sessions idle for longer than SessionIdleExpiry and
// drops their connections. Returns users left with no connection.
func (r *Registry) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	now := r.now()
	expired, err := r.db.ExpireIdleSessions(ctx, now.Add(-models.SessionIdleExpiry), now)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var offline []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, s := range expired {
		if len(r.dropSessionLocked(s.ID)) == 0 {
			continue
		}
		if len(r.byUser[s.UserID]) == 0 && !seen[s.UserID] {
			seen[s.UserID] = true
			offline = append(offline, s.UserID)
		}
	}
	if len(expired) > 0 {
		log.Info("Expired %d idle sessions", len(expired))
	}
	return offline, nil
}

// StatusEvents builds the presence broadcast for everyone userID has an
// open swap with. Delivery is best effort.
func (r *Registry) StatusEvents(ctx context.Context, userID uuid.UUID, online bool) ([]events.Event, error) {
	contacts, err := r.db.ListActiveCounterparts(ctx, userID)
	if err != nil {
		return nil, err
	}

	change := StatusChange{UserID: userID, Online: online, At: r.now()}
	evts := make([]events.Event, 0, len(contacts))
	for _, contact := range contacts {
		evt := events.User(contact, events.TypeUserStatusChanged, change)
		evt.Ephemeral = true
		evts = append(evts, evt)
	}
	return evts, nil
}

func (r *Registry) onlineLocked(userID uuid.UUID, now time.Time) bool {
	for _, c := range r.byUser[userID] {
		if now.Sub(c.lastActivity) < models.OnlineWindow {
			return true
		}
	}
	return false
}

func (r *Registry) removeLocked(c *conn) {
	delete(r.byConn, c.id)
	if conns := r.byUser[c.userID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(r.byUser, c.userID)
		}
	}
}

func (r *Registry) dropSessionLocked(sessionID uuid.UUID) []uuid.UUID {
	var dropped []uuid.UUID
	for _, c := range r.byConn {
		if c.sessionID == sessionID {
			r.removeLocked(c)
			dropped = append(dropped, c.id)
		}
	}
	return dropped
}

func (r *Registry) sessionInUseLocked(sessionID uuid.UUID) bool {
	for _, c := range r.byConn {
		if c.sessionID == sessionID {
			return true
		}
	}
	return false
}
