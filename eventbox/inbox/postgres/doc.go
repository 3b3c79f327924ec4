// Package postgres persists inbox messages in PostgreSQL.
//
// The duplicate check rides on the primary key: Record runs an
// ON CONFLICT (id) DO NOTHING insert and reads the existing status in the
// same transaction, so concurrent deliveries of one message id resolve to
// exactly one ResultNew. The migrations directory holds the schema.
package postgres
