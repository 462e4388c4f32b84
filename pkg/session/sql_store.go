package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store on database/sql. Queries stick to the SQL
// subset shared by PostgreSQL and SQLite; timestamps are always bound as
// parameters rather than taken from the database clock.
type SQLStore struct {
	db         *sql.DB
	tokens     *TokenGenerator
	ttl        time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// SQLStoreOption configures an SQLStore
type SQLStoreOption func(*SQLStore)

// WithClock overrides the time source
func WithClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) { s.now = now }
}

// WithRefreshTTL sets the refresh token lifetime. It defaults to 30 times the
// access token lifetime.
func WithRefreshTTL(ttl time.Duration) SQLStoreOption {
	return func(s *SQLStore) { s.refreshTTL = ttl }
}

// NewSQLStore creates a store whose access tokens live for ttl
func NewSQLStore(db *sql.DB, ttl time.Duration, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{
		db:         db,
		tokens:     NewTokenGenerator(),
		ttl:        ttl,
		refreshTTL: 30 * ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the accounts, authorizations and sessions tables
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS authorizations (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			method TEXT NOT NULL,
			subject TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (method, subject)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authorizations_account ON authorizations(account_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			token_hash TEXT NOT NULL UNIQUE,
			refresh_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			refresh_expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh_expiry ON sessions(refresh_expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure session schema: %w", err)
		}
	}
	return nil
}

// LookupAccount implements Store
func (s *SQLStore) LookupAccount(ctx context.Context, method, subject string) (string, bool, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM authorizations
		WHERE method = $1 AND subject = $2
	`, method, subject).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up account: %w", err)
	}
	return accountID, true, nil
}

// CreateOrUpdateAccount implements Store. The authorization row is inserted
// conditionally; if another writer got there first the transaction is rolled
// back, discarding any account row created here, and the winner's id is
// returned.
func (s *SQLStore) CreateOrUpdateAccount(ctx context.Context, method, subject, hintAccountID string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	accountID := hintAccountID
	if accountID == "" {
		accountID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, created_at) VALUES ($1, $2)
		`, accountID, now); err != nil {
			return "", false, fmt.Errorf("failed to create account: %w", err)
		}
	} else {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, accountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("hinted account %s: %w", accountID, ErrNotFound)
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to check hinted account: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO authorizations (account_id, method, subject, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (method, subject) DO NOTHING
	`, accountID, method, subject, now)
	if err != nil {
		return "", false, fmt.Errorf("failed to create authorization: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to create authorization: %w", err)
	}

	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("failed to commit authorization: %w", err)
		}
		return accountID, true, nil
	}

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT account_id FROM authorizations
		WHERE method = $1 AND subject = $2
	`, method, subject).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("failed to read existing authorization: %w", err)
	}
	return existing, false, nil
}

// CreateOrUpdateSession implements Store
func (s *SQLStore) CreateOrUpdateSession(ctx context.Context, accountID, sessionID string) (*Issued, error) {
	token, tokenHash, err := s.tokens.GenerateToken(AccessTokenPrefix)
	if err != nil {
		return nil, err
	}
	refresh, refreshHash, err := s.tokens.GenerateToken(RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	issued := &Issued{
		Session: Session{
			ID:               sessionID,
			AccountID:        accountID,
			CreatedAt:        now,
			UpdatedAt:        now,
			ExpiresAt:        now.Add(s.ttl),
			RefreshExpiresAt: now.Add(s.refreshTTL),
		},
		Token:        token,
		RefreshToken: refresh,
	}

	if sessionID != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET token_hash = $1, refresh_hash = $2, updated_at = $3, expires_at = $4, refresh_expires_at = $5
			WHERE id = $6 AND account_id = $7
		`, tokenHash, refreshHash, now, issued.ExpiresAt, issued.RefreshExpiresAt, sessionID, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to rotate session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			created, err := s.sessionCreatedAt(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			issued.CreatedAt = created
			return issued, nil
		}
	}

	issued.ID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, token_hash, refresh_hash, created_at, updated_at, expires_at, refresh_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, issued.ID, accountID, tokenHash, refreshHash, now, now, issued.ExpiresAt, issued.RefreshExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return issued, nil
}

// RedeemRefreshToken implements Store
func (s *SQLStore) RedeemRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	sess, err := s.sessionBy(ctx, "refresh_hash", HashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	if !s.now().Before(sess.RefreshExpiresAt) {
		return nil, ErrExpired
	}
	return sess, nil
}

// ValidateToken implements Store
func (s *SQLStore) ValidateToken(ctx context.Context, token string) (*Session, error) {
	sess, err := s.sessionBy(ctx, "token_hash", HashToken(token))
	if err != nil {
		return nil, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	return sess, nil
}

// RevokeSession implements Store
func (s *SQLStore) RevokeSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredSessions implements Store
func (s *SQLStore) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return res.RowsAffected()
}

// sessionBy loads a session by one of its unique hash columns
func (s *SQLStore) sessionBy(ctx context.Context, column, hash string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, created_at, updated_at, expires_at, refresh_expires_at
		FROM sessions WHERE `+column+` = $1
	`, hash).Scan(&sess.ID, &sess.AccountID, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt, &sess.RefreshExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) sessionCreatedAt(ctx context.Context, sessionID string) (time.Time, error) {
	var created time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM sessions WHERE id = $1`, sessionID).Scan(&created)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load session: %w", err)
	}
	return created, nil
}
