package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

const stopTheWorldName = "stop-the-world"

// stopPollInterval is how often StopGraceful re-checks for drained work.
const stopPollInterval = 10 * time.Millisecond

// Controller owns the worker pool, one ready queue per priority, and the
// special looper that carries stop-the-world tasks.
//
// One mutex guards every looper, lock and queue bound to the controller and a
// single condition variable announces new ready work. Task bodies always run
// with the mutex released.
type Controller struct {
	name        string
	workers     int
	maxPriority Priority

	mu   sync.Mutex
	cond *sync.Cond

	ready   []dlist[*Looper]
	special *Looper

	waitingWorkers int
	runningTasks   int
	readyLoopers   int

	loopers int
	locks   map[uint64]*Lock

	started  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup

	logger       Logger
	panicHandler PanicHandler
	metrics      Metrics
	history      *taskLog
}

// NewController creates a controller with the default handlers.
// Panics if workers or maxPriority is out of range.
func NewController(workers int, maxPriority Priority) *Controller {
	cfg := DefaultControllerConfig()
	cfg.Workers = workers
	cfg.MaxPriority = maxPriority
	return NewControllerWithConfig(cfg)
}

// NewControllerWithConfig creates a controller from cfg.
// Workers are not started until Start is called; tasks enqueued before that stay queued.
func NewControllerWithConfig(cfg *ControllerConfig) *Controller {
	if cfg == nil {
		cfg = DefaultControllerConfig()
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	c := &Controller{
		name:         cfg.Name,
		workers:      cfg.Workers,
		maxPriority:  cfg.MaxPriority,
		ready:        make([]dlist[*Looper], cfg.MaxPriority+1),
		locks:        make(map[uint64]*Lock),
		logger:       cfg.Logger,
		panicHandler: cfg.PanicHandler,
		metrics:      cfg.Metrics,
		history:      newTaskLog(cfg.HistoryCapacity),
	}
	c.cond = sync.NewCond(&c.mu)

	if c.name == "" {
		c.name = defaultControllerName
	}
	if c.logger == nil {
		c.logger = NewDefaultLogger()
	}
	if c.panicHandler == nil {
		c.panicHandler = &DefaultPanicHandler{Logger: c.logger}
	}
	if c.metrics == nil {
		c.metrics = &NilMetrics{}
	}

	c.special = &Looper{id: lastObjectID.Inc(), name: stopTheWorldName, owner: c}
	return c
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// WorkerCount returns the number of pool workers.
func (c *Controller) WorkerCount() int { return c.workers }

// MaxPriority returns the highest valid priority.
func (c *Controller) MaxPriority() Priority { return c.maxPriority }

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the workers. Cancelling ctx stops the controller the same
// way Stop does, without waiting for the workers. Repeated calls are no-ops.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopping {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	context.AfterFunc(c.ctx, c.requestStop)

	for i := 0; i < c.workers; i++ {
		id := i
		c.wg.Go(func() { c.workerLoop(id) })
	}

	c.logger.Info("controller started",
		F("controller", c.name),
		F("workers", c.workers),
		F("max_priority", int(c.maxPriority)),
	)
}

// requestStop marks the controller as stopping and wakes one waiting worker;
// each exiting worker wakes the next.
func (c *Controller) requestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
	if c.waitingWorkers > 0 {
		c.cond.Signal()
	}
}

// Stop stops the workers and waits for them to exit. Running tasks finish;
// queued tasks are abandoned.
func (c *Controller) Stop() {
	c.requestStop()

	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.logger.Info("controller stopped", F("controller", c.name))
}

// StopGraceful waits until no looper is ready and no task is running, then
// stops the workers. Loopers parked on a lock count as drained. After
// timeout the controller is stopped anyway and ErrStopTimeout is returned.
func (c *Controller) StopGraceful(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		if c.drained() {
			c.Stop()
			return nil
		}
		select {
		case <-deadline:
			c.Stop()
			return fmt.Errorf("%w after %v", ErrStopTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func (c *Controller) drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLoopers == 0 && c.runningTasks == 0 && c.special.idle()
}

// IsRunning reports whether the workers have been started and not stopped.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopping
}

// =============================================================================
// Loopers and Locks
// =============================================================================

// NewLooper creates an idle looper bound to c.
func (c *Controller) NewLooper(name string) *Looper {
	l := &Looper{id: lastObjectID.Inc(), name: name, owner: c}
	c.mu.Lock()
	c.loopers++
	c.mu.Unlock()
	return l
}

// NewLock creates an unheld lock bound to c with one waiting queue per priority.
func (c *Controller) NewLock(name string) *Lock {
	lk := &Lock{
		id:     lastObjectID.Inc(),
		name:   name,
		owner:  c,
		queues: make([]lockQueue, c.maxPriority+1),
	}
	c.mu.Lock()
	c.locks[lk.id] = lk
	c.mu.Unlock()
	return lk
}

// =============================================================================
// Enqueue
// =============================================================================

// Enqueue appends task to l's queue at priority without a lock claim.
func (c *Controller) Enqueue(l *Looper, task Task, priority Priority, deleteAfterwards bool) {
	c.EnqueueTraits(l, task, TaskTraits{Priority: priority, DeleteAfterwards: deleteAfterwards})
}

// EnqueueWithLock appends task to l's queue; lk is acquired (shared or
// exclusive) before the task starts.
func (c *Controller) EnqueueWithLock(l *Looper, task Task, priority Priority, deleteAfterwards bool, lk *Lock, exclusive bool) {
	if lk == nil {
		violation(ErrNilLock, "EnqueueWithLock")
	}
	c.EnqueueTraits(l, task, TaskTraits{
		Priority:         priority,
		Lock:             lk,
		Exclusive:        exclusive,
		DeleteAfterwards: deleteAfterwards,
	})
}

// EnqueueTraits appends task to l's queue. If l was idle it becomes ready at
// once, or parks on the claimed lock's waiting queue when that lock is not
// available.
func (c *Controller) EnqueueTraits(l *Looper, task Task, traits TaskTraits) {
	if task == nil {
		violation(ErrNilTask, "enqueue")
	}
	c.checkPriority(traits.Priority)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLooper(l)
	if traits.Lock != nil {
		c.checkLock(traits.Lock)
	}

	e := newTaskEntry(task, traits)
	l.tasks.linkLast(e)
	if l.taskRunning || l.tasks.front() != e {
		return
	}
	if c.waitForLockOrMakeReady(l) && c.waitingWorkers > 0 {
		c.cond.Signal()
	}
}

// EnqueueAndStopTheWorld queues task to run while no other task runs. It
// starts once every running task has finished, and no task starts while it
// runs. The task sees a nil *Looper.
func (c *Controller) EnqueueAndStopTheWorld(task Task, deleteAfterwards bool) {
	if task == nil {
		violation(ErrNilTask, "enqueue stop-the-world")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := newTaskEntry(task, TaskTraits{
		Priority:         c.maxPriority,
		DeleteAfterwards: deleteAfterwards,
	})
	c.special.tasks.linkLast(e)
	if !c.special.taskRunning && c.special.tasks.front() == e && c.runningTasks == 0 {
		c.cond.Signal()
	}
}

// =============================================================================
// Locking
// =============================================================================

// AttemptLock tries to take lk for l without waiting. It is meant to be
// called from a task running on l.
//
// An exclusive request fails while lk has any holder. A shared request fails
// while lk is held exclusively, or while an exclusive waiter heads a waiting
// queue at l's priority or above.
func (c *Controller) AttemptLock(l *Looper, lk *Lock, exclusive bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLooper(l)
	c.checkLock(lk)
	return c.attemptLockLocked(l, lk, exclusive)
}

// Unlock releases l's hold on lk, granting waiters when the last holder leaves.
// Panics with ErrLockNotHeld if l does not hold lk.
func (c *Controller) Unlock(l *Looper, lk *Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLooper(l)
	if lk == nil {
		violation(ErrNilLock, "unlock by looper %q", l.name)
	}
	if c.unlockLocked(l, lk) && c.waitingWorkers > 0 {
		c.cond.Signal()
	}
}

func (c *Controller) attemptLockLocked(l *Looper, lk *Lock, exclusive bool) bool {
	if lk.holders > 0 {
		if exclusive || lk.exclusive {
			return false
		}
		for p := c.maxPriority; p >= l.priority(); p-- {
			if lk.queues[p].frontExclusive() {
				return false
			}
		}
	}
	c.takeLock(l, lk, exclusive)
	return true
}

func (c *Controller) takeLock(l *Looper, lk *Lock, exclusive bool) {
	if l.locksHeld.contains(lk) {
		violation(ErrLockAlreadyHeld, "looper %q, lock %q", l.name, lk.name)
	}
	lk.exclusive = exclusive
	lk.holders++
	l.locksHeld.add(lk)
	c.metrics.RecordLockGrant(lk.name, exclusive)
}

// unlockLocked reports whether any waiter was made ready.
//
// Sub-queues are scanned from the highest priority down. An exclusive waiter
// at the front of the first non-empty sub-queue is granted alone. Otherwise
// the shared waiters of that sub-queue are granted, and so are the shared
// waiters of every lower sub-queue.
func (c *Controller) unlockLocked(l *Looper, lk *Lock) bool {
	if !l.locksHeld.remove(lk) {
		violation(ErrLockNotHeld, "looper %q, lock %q", l.name, lk.name)
	}
	lk.holders--
	if lk.holders > 0 {
		return false
	}
	lk.exclusive = false

	granted := false
	for p := c.maxPriority; p >= 0; p-- {
		q := &lk.queues[p]
		if granted {
			c.grantShared(lk, q, q.firstShared)
			continue
		}
		w := q.waiting.front()
		if w == nil {
			continue
		}
		if w.tasks.front().exclusive {
			q.waiting.unlink(w)
			c.takeLock(w, lk, true)
			c.makeReady(w)
			return true
		}
		granted = true
		c.grantShared(lk, q, w)
	}

	if !granted && lk.markedForDelete {
		c.deleteLock(lk)
	}
	return granted
}

// grantShared grants lk to from and every waiter behind it in q.
func (c *Controller) grantShared(lk *Lock, q *lockQueue, from *Looper) {
	for w := from; w != nil; {
		next := after(w)
		q.waiting.unlink(w)
		c.takeLock(w, lk, false)
		c.makeReady(w)
		w = next
	}
	q.firstShared = nil
}

// waitForLockOrMakeReady schedules the head task of a non-running looper.
// It reports whether the looper became ready.
func (c *Controller) waitForLockOrMakeReady(l *Looper) bool {
	e := l.tasks.front()
	lk := e.lock
	if lk != nil && lk.deleted {
		violation(ErrLockDeleted, "task %s on looper %q claims lock %q", e.id, l.name, lk.name)
	}
	if lk != nil && !c.attemptLockLocked(l, lk, e.exclusive) {
		lk.queues[e.priority].push(l, e.exclusive)
		c.metrics.RecordLockWait(lk.name, e.priority, e.exclusive)
		return false
	}
	c.makeReady(l)
	return true
}

func (c *Controller) makeReady(l *Looper) {
	c.ready[l.tasks.front().priority].linkLast(l)
	c.readyLoopers++
}

// =============================================================================
// Teardown
// =============================================================================

// SafeDeleteLooper deletes l at once when it is idle, releasing every lock it
// holds. Otherwise l is marked and deleted when its last queued task finishes.
func (c *Controller) SafeDeleteLooper(l *Looper) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLooper(l)
	if !l.idle() {
		l.markedForDelete = true
		return
	}
	if c.finalizeLooper(l) && c.waitingWorkers > 0 {
		c.cond.Signal()
	}
}

// finalizeLooper releases every lock l holds and marks it deleted. It
// reports whether releasing the locks made any waiter ready.
func (c *Controller) finalizeLooper(l *Looper) bool {
	granted := false
	for _, id := range l.locksHeld.snapshot() {
		if c.unlockLocked(l, c.locks[id]) {
			granted = true
		}
	}
	l.deleted = true
	c.loopers--
	c.logger.Debug("looper deleted", F("controller", c.name), F("looper", l.name))
	return granted
}

// SafeDeleteLock deletes lk at once when it has no holder. Otherwise lk is
// marked and deleted by the unlock that leaves it free with nobody granted.
func (c *Controller) SafeDeleteLock(lk *Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLock(lk)
	if lk.holders == 0 {
		c.deleteLock(lk)
		return
	}
	lk.markedForDelete = true
}

func (c *Controller) deleteLock(lk *Lock) {
	delete(c.locks, lk.id)
	lk.deleted = true
	c.logger.Debug("lock deleted", F("controller", c.name), F("lock", lk.name))
}

// =============================================================================
// Worker loop
// =============================================================================

func (c *Controller) workerLoop(id int) {
	held := true
	c.mu.Lock()
	// conc re-raises a worker panic only from Wait, so a violation raised
	// under the mutex must release it or Stop could never reach Wait.
	defer func() {
		if r := recover(); r != nil {
			if !held {
				c.mu.Lock()
			}
			c.abort(id, r)
			c.mu.Unlock()
			panic(r)
		}
	}()
	for {
		var l *Looper
		for {
			if c.stopping {
				if c.waitingWorkers > 0 {
					c.cond.Signal()
				}
				held = false
				c.mu.Unlock()
				return
			}
			if l = c.fetchNextReadyLooper(); l != nil {
				break
			}
			c.waitingWorkers++
			c.cond.Wait()
			c.waitingWorkers--
		}

		special := l == c.special
		if !special && c.waitingWorkers > 0 && c.readyLoopers > 0 {
			c.cond.Signal()
		}
		e := l.tasks.unlinkFirst()
		if !special {
			c.runningTasks++
		}
		l.taskRunning = true
		l.runningTaskPriority = e.priority
		held = false
		c.mu.Unlock()

		c.runTask(id, l, e)

		c.mu.Lock()
		held = true
		l.taskRunning = false
		if special {
			continue
		}
		c.runningTasks--
		if !l.tasks.empty() {
			c.waitForLockOrMakeReady(l)
		} else if l.markedForDelete {
			c.finalizeLooper(l)
		}
	}
}

// abort stops the controller after a worker hit a contract violation. The
// remaining workers exit and Stop re-raises the panic.
func (c *Controller) abort(id int, r any) {
	c.stopping = true
	if c.waitingWorkers > 0 {
		c.cond.Signal()
	}
	c.logger.Error("worker aborted",
		F("controller", c.name),
		F("worker", id),
		F("panic", fmt.Sprint(r)),
	)
}

// fetchNextReadyLooper returns the special looper when it has work and no
// task runs, otherwise the head of the highest non-empty ready queue. While
// a stop-the-world task is pending or running nothing else is handed out.
func (c *Controller) fetchNextReadyLooper() *Looper {
	if c.special.taskRunning {
		return nil
	}
	if !c.special.tasks.empty() {
		if c.runningTasks == 0 {
			return c.special
		}
		return nil
	}
	for p := c.maxPriority; p >= 0; p-- {
		if l := c.ready[p].unlinkFirst(); l != nil {
			c.readyLoopers--
			return l
		}
	}
	return nil
}

// runTask executes e outside the controller mutex.
func (c *Controller) runTask(workerID int, l *Looper, e *taskEntry) {
	special := l == c.special
	var target *Looper
	if !special {
		target = l
	}
	ctx := withTaskContext(c.ctx, c, target)

	record := TaskExecutionRecord{
		TaskID:       e.id,
		Name:         resolveTaskName(e.task, e.name),
		LooperID:     l.id,
		LooperName:   l.name,
		Priority:     e.priority,
		Exclusive:    e.exclusive,
		StopTheWorld: special,
		WorkerID:     workerID,
		StartedAt:    time.Now(),
	}
	if e.lock != nil {
		record.LockName = e.lock.name
	}
	if special {
		c.logger.Debug("stop-the-world task started", F("controller", c.name), F("task", record.Name))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				record.Panicked = true
				c.panicHandler.HandlePanic(ctx, l.name, workerID, r, debug.Stack())
				c.metrics.RecordTaskPanic(l.name, r)
			}
		}()
		e.task.Run(ctx, c, target)
	}()

	record.FinishedAt = time.Now()
	record.Duration = record.FinishedAt.Sub(record.StartedAt)
	c.metrics.RecordTaskDuration(l.name, e.priority, record.Duration)
	c.history.append(record)

	if e.deleteAfterwards {
		if d, ok := e.task.(Disposer); ok {
			d.Dispose()
		}
	}
	releaseTaskEntry(e)
}

// =============================================================================
// Observability
// =============================================================================

// RunningTasks returns the number of ordinary tasks currently executing.
// A running stop-the-world task is not counted.
func (c *Controller) RunningTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningTasks
}

// Stats returns current observability data for this controller.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byPriority := make([]int, len(c.ready))
	for p := range c.ready {
		byPriority[p] = c.ready[p].len()
	}
	return ControllerStats{
		Name:                c.name,
		Workers:             c.workers,
		MaxPriority:         c.maxPriority,
		Running:             c.started && !c.stopping,
		RunningTasks:        c.runningTasks,
		WaitingWorkers:      c.waitingWorkers,
		ReadyLoopers:        c.readyLoopers,
		ReadyByPriority:     byPriority,
		Loopers:             c.loopers,
		Locks:               len(c.locks),
		StopTheWorldPending: c.special.tasks.len(),
		StopTheWorldRunning: c.special.taskRunning,
	}
}

// RecentTasks returns up to limit execution records, newest first.
func (c *Controller) RecentTasks(limit int) []TaskExecutionRecord {
	return c.history.newest(limit, nil)
}

// LastTask returns the most recent execution record.
func (c *Controller) LastTask() (TaskExecutionRecord, bool) {
	return c.history.latest()
}

// =============================================================================
// Contract checks (mutex held unless noted)
// =============================================================================

// checkPriority does not need the mutex; maxPriority is immutable.
func (c *Controller) checkPriority(p Priority) {
	if p < 0 || p > c.maxPriority {
		violation(ErrPriorityOutOfRange, "priority %d not in [0, %d]", p, c.maxPriority)
	}
}

func (c *Controller) checkLooper(l *Looper) {
	switch {
	case l == nil:
		violation(ErrNilLooper, "controller %q", c.name)
	case l.owner != c || l == c.special:
		violation(ErrForeignObject, "looper %q on controller %q", l.name, c.name)
	case l.deleted:
		violation(ErrLooperDeleted, "looper %q", l.name)
	}
}

func (c *Controller) checkLock(lk *Lock) {
	switch {
	case lk == nil:
		violation(ErrNilLock, "controller %q", c.name)
	case lk.owner != c:
		violation(ErrForeignObject, "lock %q on controller %q", lk.name, c.name)
	case lk.deleted:
		violation(ErrLockDeleted, "lock %q", lk.name)
	}
}
