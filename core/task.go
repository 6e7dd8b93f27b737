package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Task is the unit of work run by a Looper.
//
// l is nil when the task was posted with EnqueueAndStopTheWorld.
type Task interface {
	Run(ctx context.Context, c *Controller, l *Looper)
}

// TaskFunc adapts an ordinary function to Task.
type TaskFunc func(ctx context.Context, c *Controller, l *Looper)

// Run calls f(ctx, c, l).
func (f TaskFunc) Run(ctx context.Context, c *Controller, l *Looper) {
	f(ctx, c, l)
}

// Disposer is implemented by tasks that own resources. When a task is posted
// with DeleteAfterwards, Dispose is called once its run has returned and the
// scheduler keeps no reference to it afterwards.
type Disposer interface {
	Dispose()
}

// Priority selects a ready queue and a lock waiting sub-queue.
// Valid priorities are 0..MaxPriority; higher values are dispatched first.
type Priority int

// =============================================================================
// TaskTraits: queue-time attributes of a task
// =============================================================================

type TaskTraits struct {
	Priority Priority

	// Lock, when set, must be acquired before the task starts. The looper
	// waits on the lock's queue without occupying a worker.
	Lock      *Lock
	Exclusive bool

	// DeleteAfterwards hands ownership of the task to the scheduler.
	DeleteAfterwards bool

	// Name is used in execution history and metrics; derived from the task when empty.
	Name string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{}
}

func TraitsWithPriority(p Priority) TaskTraits {
	return TaskTraits{Priority: p}
}

func TraitsShared(lk *Lock, p Priority) TaskTraits {
	return TaskTraits{Priority: p, Lock: lk}
}

func TraitsExclusive(lk *Lock, p Priority) TaskTraits {
	return TaskTraits{Priority: p, Lock: lk, Exclusive: true}
}

// =============================================================================
// TaskID
// =============================================================================

// TaskID identifies one enqueued task.
type TaskID uint64

var lastTaskID atomic.Uint64

// GenerateTaskID returns a process-unique, non-zero TaskID.
func GenerateTaskID() TaskID {
	return TaskID(lastTaskID.Inc())
}

func (id TaskID) IsZero() bool { return id == 0 }

func (id TaskID) String() string {
	return fmt.Sprintf("task-%d", uint64(id))
}

// =============================================================================
// taskEntry: a task linked into a looper's queue
// =============================================================================

type taskEntry struct {
	listLinks[*taskEntry]

	id               TaskID
	task             Task
	name             string
	priority         Priority
	lock             *Lock
	exclusive        bool
	deleteAfterwards bool
}

func (e *taskEntry) links() *listLinks[*taskEntry] { return &e.listLinks }

var taskEntryPool = sync.Pool{
	New: func() any { return new(taskEntry) },
}

func newTaskEntry(task Task, traits TaskTraits) *taskEntry {
	e := taskEntryPool.Get().(*taskEntry)
	e.id = GenerateTaskID()
	e.task = task
	e.name = traits.Name
	e.priority = traits.Priority
	e.lock = traits.Lock
	e.exclusive = traits.Lock != nil && traits.Exclusive
	e.deleteAfterwards = traits.DeleteAfterwards
	return e
}

func releaseTaskEntry(e *taskEntry) {
	*e = taskEntry{}
	taskEntryPool.Put(e)
}

// =============================================================================
// Context Helper
// =============================================================================

type controllerKeyType struct{}
type looperKeyType struct{}

var (
	controllerKey controllerKeyType
	looperKey     looperKeyType
)

func withTaskContext(ctx context.Context, c *Controller, l *Looper) context.Context {
	ctx = context.WithValue(ctx, controllerKey, c)
	if l != nil {
		ctx = context.WithValue(ctx, looperKey, l)
	}
	return ctx
}

// CurrentController returns the Controller running the task that owns ctx.
func CurrentController(ctx context.Context) *Controller {
	if v := ctx.Value(controllerKey); v != nil {
		return v.(*Controller)
	}
	return nil
}

// CurrentLooper returns the Looper whose task owns ctx, or nil for
// stop-the-world tasks and foreign contexts.
func CurrentLooper(ctx context.Context) *Looper {
	if v := ctx.Value(looperKey); v != nil {
		return v.(*Looper)
	}
	return nil
}
