package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nitro.evalgo.org/security"
)

// redisKeyPrefix namespaces session keys inside a shared Redis instance.
const redisKeyPrefix = "nitro:session:"

// RedisManager stores sessions in Redis with a per-key TTL, so expiry is
// handled by the server and no sweeper is needed. It implements the same
// Manager contract as BasicManager and is selected with
// session.manager = "redis" in the configuration.
type RedisManager struct {
	client   *redis.Client
	lifetime time.Duration
}

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(ctx context.Context, redisURL string, lifetime time.Duration) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisManager{client: client, lifetime: lifetime}, nil
}

func (m *RedisManager) key(token string) string { return redisKeyPrefix + token }

func (m *RedisManager) store(session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return m.client.Set(context.Background(), m.key(session.Token), data, ttl).Err()
}

// CreateSession creates a fresh anonymous session.
func (m *RedisManager) CreateSession() (Session, error) {
	session := Session{
		Token:     security.GenerateSessionToken(),
		ExpiresAt: time.Now().Add(m.lifetime),
	}
	if err := m.store(session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// RetrieveSession returns the session for a token, or nil when unknown.
func (m *RedisManager) RetrieveSession(token string) (*Session, error) {
	data, err := m.client.Get(context.Background(), m.key(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// ReCreateSession drops the old token and issues a fresh session.
func (m *RedisManager) ReCreateSession(token string) (Session, error) {
	if err := m.client.Del(context.Background(), m.key(token)).Err(); err != nil && err != redis.Nil {
		return Session{}, err
	}
	return m.CreateSession()
}

// SetAuthToken binds a verified auth token to a session.
func (m *RedisManager) SetAuthToken(token string, userID, authTokenID int64) error {
	session, err := m.RetrieveSession(token)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNoSuchSession
	}
	session.UserID = &userID
	session.AuthTokenID = &authTokenID
	return m.store(*session)
}

// DeleteSession removes a session.
func (m *RedisManager) DeleteSession(token string) error {
	err := m.client.Del(context.Background(), m.key(token)).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Close releases the Redis connection.
func (m *RedisManager) Close() error {
	return m.client.Close()
}
