package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo executes a function in a goroutine with panic recovery, context
// cancellation support and optional timeout enforcement. A timeout of zero
// means the task has no deadline of its own, which is what long-lived loops
// such as the delivery worker want.
//
// Use this instead of bare `go func()` so a panicking task cannot take the
// process down.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "history cleanup", func(ctx context.Context) error {
//	    return store.Cleanup(ctx, policy)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			// Log but don't crash; the caller decides whether the task
			// outcome matters.
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}
