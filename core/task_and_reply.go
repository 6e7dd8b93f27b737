package core

import (
	"context"
)

// =============================================================================
// Task and Reply
// =============================================================================

// PostTaskAndReply runs task on target, then posts reply to replyLooper.
// If task panics, reply is never posted. A nil replyLooper posts task alone.
//
// This is useful when task is background work on one looper and reply
// updates state owned by another.
func PostTaskAndReply(
	target *Looper,
	task Task,
	taskTraits TaskTraits,
	reply Task,
	replyTraits TaskTraits,
	replyLooper *Looper,
) {
	if replyLooper == nil {
		target.PostTaskWithTraits(task, taskTraits)
		return
	}
	if taskTraits.Name == "" {
		taskTraits.Name = resolveTaskName(task, "")
	}

	wrapped := TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		task.Run(ctx, c, l)
		replyLooper.PostTaskWithTraits(reply, replyTraits)
	})
	target.PostTaskWithTraits(wrapped, taskTraits)
}

// TaskWithResult is a task that produces a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the result of a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PostTaskAndReplyWithResult runs task on target and hands its result to
// reply on replyLooper. If task panics, reply is never posted.
func PostTaskAndReplyWithResult[T any](
	target *Looper,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyLooper *Looper,
) {
	wrapped := TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		result, err := task(ctx)
		replyLooper.PostTaskWithTraits(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
			reply(ctx, result, err)
		}), replyTraits)
	})
	target.PostTaskWithTraits(wrapped, taskTraits)
}
