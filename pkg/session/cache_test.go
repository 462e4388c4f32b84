package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts ValidateToken calls reaching the inner store
type countingStore struct {
	Store
	validations int
}

func (c *countingStore) ValidateToken(ctx context.Context, token string) (*Session, error) {
	c.validations++
	return c.Store.ValidateToken(ctx, token)
}

func newCachedTestStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	inner, _ := newTestStore(t)
	// The inner store's clock is pinned in the past; use wall time here so
	// cache TTLs computed from time.Until stay positive.
	inner.now = time.Now

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	counting := &countingStore{Store: inner}
	return NewCachedStore(counting, client, 10*time.Minute, nil), counting, mr
}

func TestCachedStore_ValidateToken(t *testing.T) {
	ctx := context.Background()
	cached, counting, mr := newCachedTestStore(t)

	accountID, _, err := cached.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)
	issued, err := cached.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)

	assert.True(t, mr.Exists(tokenKey(HashToken(issued.Token))))

	sess, err := cached.ValidateToken(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, sess.ID)
	assert.Equal(t, 0, counting.validations, "issued sessions are served from cache")

	mr.FlushAll()
	sess, err = cached.ValidateToken(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, sess.ID)
	assert.Equal(t, 1, counting.validations)
	assert.True(t, mr.Exists(tokenKey(HashToken(issued.Token))), "misses repopulate the cache")
}

func TestCachedStore_RotationEvictsOldToken(t *testing.T) {
	ctx := context.Background()
	cached, _, mr := newCachedTestStore(t)

	accountID, _, err := cached.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)
	first, err := cached.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)

	rotated, err := cached.CreateOrUpdateSession(ctx, accountID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, rotated.ID)

	assert.False(t, mr.Exists(tokenKey(HashToken(first.Token))))
	_, err = cached.ValidateToken(ctx, first.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_RevokeSessionEvictsToken(t *testing.T) {
	ctx := context.Background()
	cached, counting, mr := newCachedTestStore(t)

	accountID, _, err := cached.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)
	issued, err := cached.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)
	require.True(t, mr.Exists(tokenKey(HashToken(issued.Token))))

	require.NoError(t, cached.RevokeSession(ctx, issued.ID))

	assert.False(t, mr.Exists(tokenKey(HashToken(issued.Token))))
	assert.False(t, mr.Exists(sessionKey(issued.ID)))
	_, err = cached.ValidateToken(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, counting.validations, "revoked tokens are not served from cache")

	assert.ErrorIs(t, cached.RevokeSession(ctx, issued.ID), ErrNotFound)
}

func TestCachedStore_RedisDown(t *testing.T) {
	ctx := context.Background()
	cached, counting, mr := newCachedTestStore(t)
	mr.Close()

	accountID, _, err := cached.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)
	issued, err := cached.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)

	sess, err := cached.ValidateToken(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, sess.ID)
	assert.Equal(t, 1, counting.validations)
}
