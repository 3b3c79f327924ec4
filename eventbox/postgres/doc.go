// Package postgres manages the PostgreSQL connection pair behind the outbox
// and inbox repositories: a read-write primary, a load-balanced replica
// resolver, and a golang-migrate runner applied on connect.
package postgres
