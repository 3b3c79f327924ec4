// Package events defines the event record, the aggregate event recorder, and
// the synchronous in-process dispatcher with its explicit reactor and decoder
// registries.
//
// Events raised on a Recorder are delivered synchronously by Dispatcher in
// the caller's goroutine; a reactor error aborts delivery so the caller can
// roll back. Cross-process delivery is the job of the outbox and inbox
// packages, which reuse the same event identity end to end.
package events
