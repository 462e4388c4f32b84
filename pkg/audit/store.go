package audit

import (
	"context"
	"time"
)

// Store persists audit records keyed by request id
type Store interface {
	// Create stores a new record, returning ErrExists if the request id is taken
	Create(ctx context.Context, rec *Record) error

	// Save replaces a stored record. rec.Version must match the stored
	// version; on success it is incremented.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record by request id
	Get(ctx context.Context, requestID string) (*Record, error)

	// Search returns records matching filter, newest first
	Search(ctx context.Context, filter Filter) ([]*Record, error)

	// Prune removes records created before cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}
