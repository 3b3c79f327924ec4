// Package zap adapts go.uber.org/zap to the eventbox log.Logger contract,
// including automatic OpenTelemetry trace/span correlation fields.
package zap
