// Package clock abstracts time for the polling loops, providing a real
// implementation and a manually driven one for deterministic tests.
package clock
