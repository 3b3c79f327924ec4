// Package memory provides an in-process MessageBus for tests and
// single-binary deployments.
package memory
