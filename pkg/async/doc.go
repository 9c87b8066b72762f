// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery,
// optional timeout enforcement and context cancellation.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 5*time.Second, "history cleanup", func(ctx context.Context) error {
//		// Task code with automatic panic recovery and timeout
//		return store.Cleanup(ctx, retention)
//	})
//
// A zero timeout runs the task without a deadline of its own, which is what
// long-lived loops such as the delivery worker want.
package async
