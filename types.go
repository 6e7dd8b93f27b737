package looper

import "github.com/Swind/go-looper/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the looper package for most use cases.

// Task is the unit of work run by a Looper
type Task = core.Task

// TaskFunc adapts an ordinary function to Task
type TaskFunc = core.TaskFunc

// Disposer is implemented by tasks that release resources after a DeleteAfterwards run
type Disposer = core.Disposer

// TaskTraits defines queue-time task attributes (priority, lock claim, ownership)
type TaskTraits = core.TaskTraits

// Priority selects a ready queue; higher values run first
type Priority = core.Priority

// Controller owns the worker pool and the ready queues
type Controller = core.Controller

// ControllerConfig configures a Controller
type ControllerConfig = core.ControllerConfig

// Looper is a sequential execution context
type Looper = core.Looper

// Lock is a shared/exclusive lock whose waiters are Loopers
type Lock = core.Lock

// Logger and Field are the structured logging interface
type (
	Logger = core.Logger
	Field  = core.Field
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsWithPriority = core.TraitsWithPriority
	TraitsShared       = core.TraitsShared
	TraitsExclusive    = core.TraitsExclusive
)

// NewController creates a controller with the default handlers.
func NewController(workers int, maxPriority Priority) *Controller {
	return core.NewController(workers, maxPriority)
}

// NewControllerWithConfig creates a controller from cfg.
func NewControllerWithConfig(cfg *ControllerConfig) *Controller {
	return core.NewControllerWithConfig(cfg)
}

// DefaultControllerConfig returns a config with default handlers
var DefaultControllerConfig = core.DefaultControllerConfig

// TaskWithResult and ReplyWithResult for generic PostTaskAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// PostTaskAndReply runs task on target, then reply on replyLooper
var PostTaskAndReply = core.PostTaskAndReply

// CurrentLooper and CurrentController retrieve the running task's context
var (
	CurrentLooper     = core.CurrentLooper
	CurrentController = core.CurrentController
)

// PostTaskAndReplyWithResult runs task on target and hands its result to reply on replyLooper
func PostTaskAndReplyWithResult[T any](
	target *Looper,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyLooper *Looper,
) {
	core.PostTaskAndReplyWithResult(target, task, taskTraits, reply, replyTraits, replyLooper)
}
