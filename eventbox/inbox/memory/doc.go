// Package memory provides an in-memory inbox store for tests and
// single-process deployments.
package memory
