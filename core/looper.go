package core

// Looper is a sequential execution context. Tasks posted to a Looper run one
// at a time in FIFO order, possibly on different workers, so state owned by
// a Looper needs no further synchronization.
//
// A Looper is always in exactly one of these states: idle (no queued task),
// ready (in one ready queue), waiting (in one lock waiting queue) or running
// (owned by a worker). All fields are guarded by the controller mutex.
type Looper struct {
	listLinks[*Looper]

	id    uint64
	name  string
	owner *Controller

	tasks               dlist[*taskEntry]
	locksHeld           LockSet
	runningTaskPriority Priority
	taskRunning         bool
	markedForDelete     bool
	deleted             bool
}

func (l *Looper) links() *listLinks[*Looper] { return &l.listLinks }

// priority is the priority the looper competes at: the running task's while
// one runs, otherwise the next queued task's.
func (l *Looper) priority() Priority {
	if l.taskRunning {
		return l.runningTaskPriority
	}
	if e := l.tasks.front(); e != nil {
		return e.priority
	}
	return 0
}

func (l *Looper) idle() bool {
	return !l.taskRunning && l.tasks.empty()
}

// ID returns the looper identifier.
func (l *Looper) ID() uint64 { return l.id }

// Name returns the name given at creation.
func (l *Looper) Name() string { return l.name }

// Controller returns the controller the looper is bound to.
func (l *Looper) Controller() *Controller { return l.owner }

// PostTask enqueues task at priority 0 without a lock claim.
func (l *Looper) PostTask(task Task) {
	l.owner.EnqueueTraits(l, task, DefaultTaskTraits())
}

// PostTaskWithTraits enqueues task with the given traits.
func (l *Looper) PostTaskWithTraits(task Task, traits TaskTraits) {
	l.owner.EnqueueTraits(l, task, traits)
}

// IsDeleted reports whether the looper has been finalized.
func (l *Looper) IsDeleted() bool {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	return l.deleted
}

// Holds reports whether the looper currently holds lk.
func (l *Looper) Holds(lk *Lock) bool {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	return l.locksHeld.contains(lk)
}

// RecentTasks returns up to limit retained execution records of tasks that
// ran on l, newest first.
func (l *Looper) RecentTasks(limit int) []TaskExecutionRecord {
	return l.owner.history.newest(limit, func(r *TaskExecutionRecord) bool {
		return r.LooperID == l.id
	})
}

// Stats returns a snapshot of the looper state.
func (l *Looper) Stats() LooperStats {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	return LooperStats{
		Name:            l.name,
		Pending:         l.tasks.len(),
		Running:         l.taskRunning,
		Priority:        l.priority(),
		LocksHeld:       l.locksHeld.len(),
		MarkedForDelete: l.markedForDelete,
		Deleted:         l.deleted,
	}
}
