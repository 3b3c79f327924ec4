// Package backoff provides retry delay policies with optional full jitter
// and context-aware sleeping.
package backoff
