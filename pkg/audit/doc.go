// Package audit records every authentication attempt handled by the broker.
//
// # Overview
//
// One Record exists per attempt, keyed by request id. It is created when the
// attempt starts, gains a Transition at every step of the pipeline and becomes
// append-only once it reaches a terminal state.
//
// # Usage Example
//
// Begin fires the initial write in the background so the provider call is not
// delayed by audit storage:
//
//	entry := trail.Begin(ctx, requestID, "password", params)
//	ctx = audit.WithEntry(ctx, entry)
//
//	// later updates wait for the initial write before saving
//	entry.Note(ctx, "CREDENTIAL LOOKUP NOT FOUND")
//
//	// the terminal write completes before the response is returned
//	entry.Finish(ctx, "AUTHENTICATED", func(r *audit.Record) {
//		r.State = "authenticated"
//		r.AccountID = accountID
//	})
//
// # Stores
//
//   - SQLStore: PostgreSQL, JSONB columns, optimistic version column
//   - FileStore: newline-delimited JSON snapshots with rotation, used as the
//     fallback when the primary store rejects a terminal write
//   - MemoryStore: tests and single-process deployments
//
// # Retention
//
// Retention.Run exports records older than the policy window, hands them to an
// Archiver (S3Archiver in production) and prunes them from the store.
package audit
