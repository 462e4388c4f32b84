package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/authbroker/pkg/config"
)

// DefaultConnectTimeout bounds the initial ping
const DefaultConnectTimeout = 10 * time.Second

// OpenDatabase opens a pooled connection and verifies it with a ping. driver
// is "postgres" in production.
func OpenDatabase(ctx context.Context, driver string, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)
	}
}

// SchemaEnsurer is implemented by stores that own tables
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemas creates every store's tables in order, stopping at the first
// failure.
func EnsureSchemas(ctx context.Context, stores ...SchemaEnsurer) error {
	for _, s := range stores {
		if s == nil {
			continue
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema for %T: %w", s, err)
		}
	}
	return nil
}
