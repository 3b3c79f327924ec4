// Package inbox implements idempotent consumption of at-least-once
// deliveries: every message is recorded under its event id before its
// handler runs, duplicates are discarded or resumed, and messages that
// exhaust their attempts are kept as DEAD rows for operators.
//
// Storage adapters live in the postgres and memory subpackages.
package inbox
