package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicManagerLifecycle(t *testing.T) {
	m := NewBasicManager(time.Hour, 0)
	defer m.Close()

	created, err := m.CreateSession()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Token, "nrs_"))
	assert.Nil(t, created.UserID)

	got, err := m.RetrieveSession(created.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Token, got.Token)

	require.NoError(t, m.SetAuthToken(created.Token, 7, 42))
	got, err = m.RetrieveSession(created.Token)
	require.NoError(t, err)
	require.NotNil(t, got.UserID)
	assert.Equal(t, int64(7), *got.UserID)
	assert.Equal(t, int64(42), *got.AuthTokenID)

	require.NoError(t, m.DeleteSession(created.Token))
	got, err = m.RetrieveSession(created.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBasicManagerReCreate(t *testing.T) {
	m := NewBasicManager(time.Hour, 0)
	defer m.Close()

	old, err := m.CreateSession()
	require.NoError(t, err)

	fresh, err := m.ReCreateSession(old.Token)
	require.NoError(t, err)
	assert.NotEqual(t, old.Token, fresh.Token)

	// The old token is gone; the new one resolves.
	gone, err := m.RetrieveSession(old.Token)
	require.NoError(t, err)
	assert.Nil(t, gone)
	got, err := m.RetrieveSession(fresh.Token)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestBasicManagerSetAuthTokenUnknown(t *testing.T) {
	m := NewBasicManager(time.Hour, 0)
	defer m.Close()
	assert.ErrorIs(t, m.SetAuthToken("nrs_missing", 1, 2), ErrNoSuchSession)
}

func TestBasicManagerSweep(t *testing.T) {
	m := NewBasicManager(10*time.Millisecond, 0)
	defer m.Close()

	session, err := m.CreateSession()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	got, err := m.RetrieveSession(session.Token)
	require.NoError(t, err)
	require.NotNil(t, got, "expired sessions stay retrievable until swept")
	assert.True(t, got.Expired())

	assert.Equal(t, 1, m.removeExpired())
	got, err = m.RetrieveSession(session.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newRedisManager(t *testing.T) *RedisManager {
	t.Helper()
	server := miniredis.RunT(t)
	m, err := NewRedisManager(context.Background(), "redis://"+server.Addr(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRedisManagerLifecycle(t *testing.T) {
	m := newRedisManager(t)

	created, err := m.CreateSession()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Token, "nrs_"))

	got, err := m.RetrieveSession(created.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Token, got.Token)

	require.NoError(t, m.SetAuthToken(created.Token, 9, 11))
	got, err = m.RetrieveSession(created.Token)
	require.NoError(t, err)
	require.NotNil(t, got.UserID)
	assert.Equal(t, int64(9), *got.UserID)

	fresh, err := m.ReCreateSession(created.Token)
	require.NoError(t, err)
	assert.NotEqual(t, created.Token, fresh.Token)
	gone, err := m.RetrieveSession(created.Token)
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, m.DeleteSession(fresh.Token))
	gone, err = m.RetrieveSession(fresh.Token)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRedisManagerUnknownSession(t *testing.T) {
	m := newRedisManager(t)
	got, err := m.RetrieveSession("nrs_unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, m.SetAuthToken("nrs_unknown", 1, 2), ErrNoSuchSession)
}
