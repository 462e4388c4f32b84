package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const invalidPasswordReason = "Invalid username or password"

// ErrCredentialNotFound is returned by a CredentialStore for unknown users
var ErrCredentialNotFound = errors.New("credential not found")

// PasswordRecord is a stored password credential
type PasswordRecord struct {
	Username     string
	PasswordHash string
	// AccountID is set when the credential was provisioned for a known account
	AccountID string
}

// CredentialStore persists bcrypt password hashes
type CredentialStore interface {
	GetPassword(ctx context.Context, username string) (*PasswordRecord, error)
	SetPassword(ctx context.Context, username, passwordHash, accountID string) error
}

// PasswordProvider validates username/password form posts
type PasswordProvider struct {
	store CredentialStore
}

// NewPasswordProvider creates a password provider backed by store
func NewPasswordProvider(store CredentialStore) *PasswordProvider {
	return &PasswordProvider{store: store}
}

// Method implements Provider
func (p *PasswordProvider) Method() Method { return MethodPassword }

// CallbackTarget implements Provider
func (p *PasswordProvider) CallbackTarget() string { return CallbackForm }

// ParseCredentialParameters implements Provider
func (p *PasswordProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	username := normalizeUsername(params["username"])
	if username == "" {
		return nil, fmt.Errorf("missing username parameter")
	}
	return &Parsed{Subject: username}, nil
}

// RedeemToken implements Provider
func (p *PasswordProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	username := normalizeUsername(params["username"])
	password := params["password"]
	if username == "" || password == "" {
		return InvalidCredentials{Reason: invalidPasswordReason}
	}

	record, err := p.store.GetPassword(ctx, username)
	if errors.Is(err, ErrCredentialNotFound) {
		// Burn comparable time so unknown users are not distinguishable
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return InvalidCredentials{Reason: invalidPasswordReason}
	}
	if err != nil {
		return CouldNotConnect{Reason: fmt.Sprintf("credential store unavailable: %v", err)}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return InvalidCredentials{Reason: invalidPasswordReason}
		}
		return Failure{Reason: fmt.Sprintf("stored hash for %s is unusable: %v", username, err)}
	}

	enriched := copyParams(params)
	delete(enriched, "password")
	enriched["username"] = username
	return Success{
		Subject:    username,
		LinkHintID: record.AccountID,
		Params:     enriched,
	}
}

// HashPassword hashes a plaintext password with bcrypt's default cost
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authbroker-dummy"), bcrypt.MinCost)

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SQLCredentialStore stores password hashes in the password_credentials table
type SQLCredentialStore struct {
	db *sql.DB
}

// NewSQLCredentialStore creates a store on db
func NewSQLCredentialStore(db *sql.DB) *SQLCredentialStore {
	return &SQLCredentialStore{db: db}
}

// EnsureSchema creates the password_credentials table if needed
func (s *SQLCredentialStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS password_credentials (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			account_id TEXT,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create password_credentials table: %w", err)
	}
	return nil
}

// GetPassword implements CredentialStore
func (s *SQLCredentialStore) GetPassword(ctx context.Context, username string) (*PasswordRecord, error) {
	var (
		record    PasswordRecord
		accountID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, account_id
		FROM password_credentials
		WHERE username = $1
	`, username).Scan(&record.Username, &record.PasswordHash, &accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get password credential: %w", err)
	}
	record.AccountID = accountID.String
	return &record, nil
}

// SetPassword implements CredentialStore
func (s *SQLCredentialStore) SetPassword(ctx context.Context, username, passwordHash, accountID string) error {
	var account sql.NullString
	if accountID != "" {
		account = sql.NullString{String: accountID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_credentials (username, password_hash, account_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE
		SET password_hash = excluded.password_hash,
			account_id = excluded.account_id,
			updated_at = excluded.updated_at
	`, normalizeUsername(username), passwordHash, account, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set password credential: %w", err)
	}
	return nil
}
