package runtime

import (
	"context"
	"fmt"
	rt "runtime"

	"github.com/halberd-labs/lib-eventbox/eventbox/log"
)

// PanicMode controls what a recovered goroutine does after logging the panic.
type PanicMode int

const (
	// KeepRunning swallows the panic after logging it. Background loops use
	// this so a single bad event cannot take the process down.
	KeepRunning PanicMode = iota
	// CrashOnPanic re-raises the panic after logging it.
	CrashOnPanic
)

const stackBufSize = 64 << 10

// RecoverAndLog recovers a panic in the calling goroutine and logs it with a
// stack trace. Meant to be deferred.
func RecoverAndLog(logger log.Logger, component, operation string) {
	RecoverAndLogWithContext(context.Background(), logger, component, operation)
}

// RecoverAndLogWithContext is RecoverAndLog with the caller's context so the
// panic log carries trace correlation.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, operation string) {
	if r := recover(); r != nil {
		logPanicWithStack(ctx, logger, component, operation, r, captureStack())
	}
}

// SafeGo runs fn on a new goroutine with panic recovery. Under KeepRunning
// the panic is logged and dropped; under CrashOnPanic it is logged and
// re-raised.
func SafeGo(logger log.Logger, name string, mode PanicMode, fn func()) {
	SafeGoWithContext(context.Background(), logger, name, mode, fn)
}

// SafeGoWithContext is SafeGo with the caller's context for log correlation.
func SafeGoWithContext(ctx context.Context, logger log.Logger, name string, mode PanicMode, fn func()) {
	if fn == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanicWithStack(ctx, logger, "goroutine", name, r, captureStack())

				if mode == CrashOnPanic {
					panic(r)
				}
			}
		}()

		fn()
	}()
}

func captureStack() []byte {
	buf := make([]byte, stackBufSize)
	n := rt.Stack(buf, false)

	return buf[:n]
}

func logPanicWithStack(ctx context.Context, logger log.Logger, component, operation string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", panicValue)),
		log.String("stack", string(stack)),
	)
}
