// Package postgres persists outbox events in PostgreSQL.
//
// Claims run FOR UPDATE SKIP LOCKED on the primary so concurrent dispatchers
// partition the backlog, and every state update checks rows affected so lost
// claims surface as ErrClaimConflict instead of silent double publishes.
// The migrations directory holds the schema.
package postgres
