// Package storage opens the broker's shared backing connections.
//
// PostgreSQL backs the session, credential and audit stores; Redis backs the
// session cache and the callback rate limiter. Each store owns its own
// schema, created at startup:
//
//	db, err := storage.OpenDatabase(ctx, "postgres", cfg.Database)
//	sessions := session.NewSQLStore(db, cfg.Broker.SessionTTL)
//	if err := storage.EnsureSchemas(ctx, sessions, credentials, auditStore); err != nil {
//		return err
//	}
//
//	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
package storage
