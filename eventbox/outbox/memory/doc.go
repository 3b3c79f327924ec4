// Package memory provides an in-memory outbox store for tests and
// single-process wiring.
package memory
