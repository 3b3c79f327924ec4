// Package runtime provides panic-safe goroutine helpers for background
// loops and consumers.
package runtime
