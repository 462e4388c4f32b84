package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SQLStore implements Store on PostgreSQL
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new PostgreSQL-backed audit store
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema creates the audit_records table if it doesn't exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		request_id VARCHAR(100) PRIMARY KEY,
		method VARCHAR(100) NOT NULL,
		params JSONB,
		transitions JSONB NOT NULL,
		state VARCHAR(50) NOT NULL,
		terminal BOOLEAN NOT NULL DEFAULT FALSE,
		status_code INTEGER,
		action VARCHAR(20),
		account_id VARCHAR(100),
		session_id VARCHAR(100),
		token_fingerprint VARCHAR(100),
		redirect_uri TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_created_at ON audit_records(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_records_method ON audit_records(method);
	CREATE INDEX IF NOT EXISTS idx_audit_records_state ON audit_records(state);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure audit_records table: %w", err)
	}
	return nil
}

const recordColumns = `
	request_id, method, params, transitions,
	state, terminal, status_code,
	action, account_id, session_id, token_fingerprint, redirect_uri,
	created_at, updated_at, version`

// Create implements Store
func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	params, transitions, err := marshalRecordColumns(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, 1
		)
	`,
		rec.RequestID, rec.Method, params, transitions,
		rec.State, rec.Terminal, rec.StatusCode,
		rec.Action, rec.AccountID, rec.SessionID, rec.TokenFingerprint, rec.RedirectURI,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%s: %w", rec.RequestID, ErrExists)
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	rec.Version = 1
	return nil
}

// Save implements Store
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	params, transitions, err := marshalRecordColumns(rec)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_records SET
			params = $1, transitions = $2,
			state = $3, terminal = $4, status_code = $5,
			action = $6, account_id = $7, session_id = $8, token_fingerprint = $9, redirect_uri = $10,
			updated_at = $11, version = version + 1
		WHERE request_id = $12 AND version = $13
	`,
		params, transitions,
		rec.State, rec.Terminal, rec.StatusCode,
		rec.Action, rec.AccountID, rec.SessionID, rec.TokenFingerprint, rec.RedirectURI,
		rec.UpdatedAt, rec.RequestID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update audit record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update audit record: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s at version %d: %w", rec.RequestID, rec.Version, ErrConflict)
	}
	rec.Version++
	return nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE request_id = $1`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Search implements Store
func (s *SQLStore) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE 1=1`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.Method != "" {
		query += fmt.Sprintf(" AND method = $%d", argCount)
		args = append(args, filter.Method)
		argCount++
	}

	if len(filter.States) > 0 {
		query += fmt.Sprintf(" AND state = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.States))
		argCount++
	}

	query += " ORDER BY created_at DESC, request_id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

// Prune implements Store
func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE created_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	return result.RowsAffected()
}

func marshalRecordColumns(rec *Record) (params, transitions []byte, err error) {
	params, err = json.Marshal(rec.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	transitions, err = json.Marshal(rec.Transitions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal transitions: %w", err)
	}
	return params, transitions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		paramsJSON, transitionsJSON                         []byte
		statusCode                                          sql.NullInt64
		action, accountID, sessionID, fingerprint, redirect sql.NullString
	)

	err := row.Scan(
		&rec.RequestID, &rec.Method, &paramsJSON, &transitionsJSON,
		&rec.State, &rec.Terminal, &statusCode,
		&action, &accountID, &sessionID, &fingerprint, &redirect,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	rec.StatusCode = int(statusCode.Int64)
	rec.Action = action.String
	rec.AccountID = accountID.String
	rec.SessionID = sessionID.String
	rec.TokenFingerprint = fingerprint.String
	rec.RedirectURI = redirect.String

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if len(transitionsJSON) > 0 {
		if err := json.Unmarshal(transitionsJSON, &rec.Transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
		}
	}
	return rec, nil
}
