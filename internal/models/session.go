package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	MaxActiveSessions = 5
	SessionIdleExpiry = 24 * time.Hour
	OnlineWindow      = 5 * time.Minute
)

type DeviceInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	IsMobile  bool   `json:"is_mobile"`
}

// Session is one registered connection of a user. The raw session token is
// handed to the client once; only its digest is stored.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	TokenDigest  string     `json:"-"`
	SocketID     *uuid.UUID `json:"socket_id,omitempty"`
	IsOnline     bool       `json:"is_online"`
	IsActive     bool       `json:"is_active"`
	LastActivity time.Time  `json:"last_activity"`
	LoginAt      time.Time  `json:"login_at"`
	LogoutAt     *time.Time `json:"logout_at,omitempty"`
	DeviceInfo   DeviceInfo `json:"device_info"`
	SessionType  string     `json:"session_type"`
}

// IsExpired is true once the session has been idle for SessionIdleExpiry
func (s *Session) IsExpired(now time.Time) bool {
	return now.Sub(s.LastActivity) > SessionIdleExpiry
}

// IsCurrentlyActive is the per-session presence predicate
func (s *Session) IsCurrentlyActive(now time.Time) bool {
	return s.IsOnline && s.IsActive && now.Sub(s.LastActivity) < OnlineWindow
}

func (s *Session) DeviceType() string {
	if s.DeviceInfo.IsMobile {
		return "mobile"
	}
	if s.SessionType == "api" {
		return "api"
	}
	return "desktop"
}

// PresenceStatus is the derived online/offline signal for a user
type PresenceStatus struct {
	UserID      uuid.UUID  `json:"user_id"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Connections int        `json:"connections"`
	DeviceType  string     `json:"device_type,omitempty"`
}
