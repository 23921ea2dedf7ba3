// Package session tracks browser sessions for the Nitro Repo API. Sessions
// are opaque nrs_-prefixed tokens held in a process-wide store; a login binds
// an auth token to the session, and a background task sweeps expired entries.
package session

import (
	"errors"
	"time"
)

// Session is one tracked browser session. A fresh session is anonymous;
// login populates UserID and AuthTokenID.
type Session struct {
	Token       string    `json:"token"`
	UserID      *int64    `json:"user_id,omitempty"`
	AuthTokenID *int64    `json:"auth_token_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session's absolute expiration has passed.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// ErrNoSuchSession is returned when binding state to an unknown session.
var ErrNoSuchSession = errors.New("no such session")

// Manager is the session store contract. Implementations: the in-memory
// BasicManager and the Redis-backed RedisManager.
type Manager interface {
	// CreateSession creates a fresh anonymous session.
	CreateSession() (Session, error)
	// RetrieveSession returns the session for a token, or nil when unknown.
	// Expired sessions are still returned; the caller decides to rotate.
	RetrieveSession(token string) (*Session, error)
	// ReCreateSession drops the old token and returns a fresh session.
	ReCreateSession(token string) (Session, error)
	// SetAuthToken binds a verified auth token (and its user) to a session.
	SetAuthToken(token string, userID, authTokenID int64) error
	// DeleteSession removes a session. Unknown tokens are a no-op.
	DeleteSession(token string) error
	// Close stops background work and releases resources.
	Close() error
}
