// Package outbox implements the transactional outbox: events staged in the
// caller's database transaction, then claimed and published by a polling
// dispatcher with retry, backoff, and a DEAD terminal state for events that
// exhaust their attempts.
//
// Storage adapters live in the postgres and memory subpackages.
package outbox
