package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*SQLStore, *fakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := NewSQLStore(db, time.Hour, WithClock(clock.Now), WithRefreshTTL(24*time.Hour))
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store, clock
}

func TestSQLStore_CreateOrUpdateAccount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, found, err := store.LookupAccount(ctx, "password", "new@example.com")
	require.NoError(t, err)
	assert.False(t, found)

	id, created, err := store.CreateOrUpdateAccount(ctx, "password", "new@example.com", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)

	again, created, err := store.CreateOrUpdateAccount(ctx, "password", "new@example.com", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	looked, found, err := store.LookupAccount(ctx, "password", "new@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, looked)

	var accounts int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&accounts))
	assert.Equal(t, 1, accounts, "the losing insert must not leave an orphan account")
}

func TestSQLStore_CreateOrUpdateAccount_Hint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	id, _, err := store.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)

	linked, created, err := store.CreateOrUpdateAccount(ctx, "oidc", "okta|123", id)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, linked)

	_, _, err = store.CreateOrUpdateAccount(ctx, "saml", "bob", "no-such-account")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ConcurrentFirstLogin(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	const replays = 16
	ids := make([]string, replays)
	createdCount := 0
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < replays; i++ {
		i := i
		g.Go(func() error {
			id, created, err := store.CreateOrUpdateAccount(gctx, "voucher", "racer@example.com", "")
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			ids[i] = id
			if created {
				createdCount++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var authorizations int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM authorizations WHERE subject = $1`, "racer@example.com").Scan(&authorizations))
	assert.Equal(t, 1, authorizations)
}

func TestSQLStore_Sessions(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	accountID, _, err := store.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)

	issued, err := store.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)
	assert.Equal(t, accountID, issued.AccountID)
	require.NoError(t, ValidateTokenFormat(issued.Token, AccessTokenPrefix))
	require.NoError(t, ValidateTokenFormat(issued.RefreshToken, RefreshTokenPrefix))

	sess, err := store.ValidateToken(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, sess.ID)

	sess, err = store.RedeemRefreshToken(ctx, issued.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, accountID, sess.AccountID)

	t.Run("rotation keeps the session id", func(t *testing.T) {
		rotated, err := store.CreateOrUpdateSession(ctx, accountID, issued.ID)
		require.NoError(t, err)
		assert.Equal(t, issued.ID, rotated.ID)
		assert.NotEqual(t, issued.Token, rotated.Token)

		_, err = store.ValidateToken(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("foreign session id creates a new session", func(t *testing.T) {
		other, _, err := store.CreateOrUpdateAccount(ctx, "password", "mallory@example.com", "")
		require.NoError(t, err)
		fresh, err := store.CreateOrUpdateSession(ctx, other, issued.ID)
		require.NoError(t, err)
		assert.NotEqual(t, issued.ID, fresh.ID)
	})

	t.Run("expiry and cleanup", func(t *testing.T) {
		latest, err := store.CreateOrUpdateSession(ctx, accountID, "")
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = store.ValidateToken(ctx, latest.Token)
		assert.ErrorIs(t, err, ErrExpired)
		_, err = store.RedeemRefreshToken(ctx, latest.RefreshToken)
		assert.NoError(t, err)

		clock.Advance(24 * time.Hour)
		_, err = store.RedeemRefreshToken(ctx, latest.RefreshToken)
		assert.ErrorIs(t, err, ErrExpired)

		removed, err := store.CleanupExpiredSessions(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(3), removed)
	})
}

func TestSQLStore_RevokeSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	accountID, _, err := store.CreateOrUpdateAccount(ctx, "password", "alice@example.com", "")
	require.NoError(t, err)
	revoked, err := store.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)
	kept, err := store.CreateOrUpdateSession(ctx, accountID, "")
	require.NoError(t, err)

	require.NoError(t, store.RevokeSession(ctx, revoked.ID))

	_, err = store.ValidateToken(ctx, revoked.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.RedeemRefreshToken(ctx, revoked.RefreshToken)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ValidateToken(ctx, kept.Token)
	assert.NoError(t, err, "other sessions of the account stay live")

	assert.ErrorIs(t, store.RevokeSession(ctx, revoked.ID), ErrNotFound)
}

func TestSQLStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, time.Hour)
	mock.ExpectQuery("SELECT account_id FROM authorizations").
		WithArgs("password", "alice").
		WillReturnError(errors.New("connection reset"))

	_, _, err = store.LookupAccount(context.Background(), "password", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateOrUpdateAccount_RollsBackOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authorizations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT account_id FROM authorizations").
		WithArgs("saml", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow("existing-id"))
	mock.ExpectRollback()

	id, created, err := store.CreateOrUpdateAccount(context.Background(), "saml", "bob", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
