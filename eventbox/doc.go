// Package eventbox provides the application lifecycle (App, Launcher) and
// context tracking helpers shared by the outbox dispatcher, inbox processor,
// and transports in the subpackages.
package eventbox
