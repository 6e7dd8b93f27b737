// Package looper provides a priority-aware looper runtime with an integrated
// shared/exclusive lock manager.
//
// Callers post tasks to Loopers rather than managing goroutines directly. A
// Looper runs its tasks one at a time in FIFO order; a fixed pool of workers
// owned by a Controller runs the tasks of every ready Looper, highest
// priority first.
//
// # Quick Start
//
// Initialize the global controller at application startup:
//
//	looper.InitGlobalController(4, 2) // 4 workers, priorities 0..2
//	defer looper.ShutdownGlobalController()
//
// Create a Looper and post tasks to it:
//
//	l := looper.NewLooper("ui")
//	l.PostTask(looper.TaskFunc(func(ctx context.Context, c *looper.Controller, l *looper.Looper) {
//		// Runs after every task posted earlier to l has finished.
//	}))
//
// # Key Concepts
//
// Looper: a sequential execution context. State owned by a Looper needs no
// further synchronization.
//
// Lock: a shared/exclusive lock whose waiters are Loopers. A task can claim a
// Lock when it is posted; the Looper is then parked on the Lock until it is
// available and occupies no worker while it waits. A claimed Lock stays with
// the Looper until a task calls Controller.Unlock or the Looper is deleted.
//
// Priority: selects the ready queue a Looper waits in and the Lock waiting
// queue it parks on. Higher values are dispatched first.
//
// Stop the world: Controller.EnqueueAndStopTheWorld runs a task once no other
// task is running, and starts no other task until it has finished.
//
// # Example
//
//	import (
//		"context"
//
//		looper "github.com/Swind/go-looper"
//	)
//
//	func main() {
//		looper.InitGlobalController(4, 1)
//		defer looper.ShutdownGlobalController()
//
//		cache := looper.NewLock("cache")
//		writer := looper.NewLooper("writer")
//		reader := looper.NewLooper("reader")
//
//		writer.PostTaskWithTraits(looper.TaskFunc(func(ctx context.Context, c *looper.Controller, l *looper.Looper) {
//			// exclusive access to the cache
//			c.Unlock(l, cache)
//		}), looper.TraitsExclusive(cache, 1))
//
//		reader.PostTaskWithTraits(looper.TaskFunc(func(ctx context.Context, c *looper.Controller, l *looper.Looper) {
//			// shared access to the cache
//			c.Unlock(l, cache)
//		}), looper.TraitsShared(cache, 0))
//	}
package looper
