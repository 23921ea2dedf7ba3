package session

import (
	"sync"
	"time"

	"nitro.evalgo.org/common"
	"nitro.evalgo.org/security"
)

// BasicManager keeps sessions in an in-memory map behind a read-write lock.
// A background task walks the map on an interval and drops expired entries.
type BasicManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	lifetime time.Duration

	stop      chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

// NewBasicManager creates the in-memory session manager and starts its
// sweeper. sweepInterval <= 0 disables the background sweep (tests).
func NewBasicManager(lifetime, sweepInterval time.Duration) *BasicManager {
	m := &BasicManager{
		sessions:  make(map[string]Session),
		lifetime:  lifetime,
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweep(sweepInterval)
	} else {
		close(m.sweepDone)
	}
	return m
}

func (m *BasicManager) sweep(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			removed := m.removeExpired()
			if removed > 0 {
				common.Logger.Debugf("session sweep removed %d expired sessions", removed)
			}
		}
	}
}

func (m *BasicManager) removeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	now := time.Now()
	for token, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

func (m *BasicManager) newSession() Session {
	return Session{
		Token:     security.GenerateSessionToken(),
		ExpiresAt: time.Now().Add(m.lifetime),
	}
}

// CreateSession creates a fresh anonymous session.
func (m *BasicManager) CreateSession() (Session, error) {
	session := m.newSession()
	m.mu.Lock()
	m.sessions[session.Token] = session
	m.mu.Unlock()
	return session, nil
}

// RetrieveSession returns the session for a token, or nil when unknown.
func (m *BasicManager) RetrieveSession(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// ReCreateSession drops the old token and issues a fresh session.
func (m *BasicManager) ReCreateSession(token string) (Session, error) {
	session := m.newSession()
	m.mu.Lock()
	delete(m.sessions, token)
	m.sessions[session.Token] = session
	m.mu.Unlock()
	return session, nil
}

// SetAuthToken binds a verified auth token to a session.
func (m *BasicManager) SetAuthToken(token string, userID, authTokenID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[token]
	if !ok {
		common.Logger.Warnf("attempted to bind an auth token to unknown session %s", token)
		return ErrNoSuchSession
	}
	session.UserID = &userID
	session.AuthTokenID = &authTokenID
	m.sessions[token] = session
	return nil
}

// DeleteSession removes a session.
func (m *BasicManager) DeleteSession(token string) error {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	return nil
}

// Close stops the sweeper and waits for it to finish.
func (m *BasicManager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.sweepDone
	return nil
}
