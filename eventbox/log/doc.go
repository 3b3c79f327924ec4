// Package log defines the structured logging contract shared by all eventbox
// packages. The zap subpackage provides the production implementation.
package log
