package core

import (
	"go.uber.org/atomic"
)

var lastObjectID atomic.Uint64

// Lock is a shared/exclusive lock whose waiters are loopers, not goroutines.
// A looper whose next task claims an unavailable Lock is parked on one of the
// lock's per-priority waiting queues and does not occupy a worker.
//
// Locks are created with Controller.NewLock and torn down with
// Controller.SafeDeleteLock. All fields are guarded by the controller mutex.
type Lock struct {
	id    uint64
	name  string
	owner *Controller

	queues          []lockQueue
	holders         int
	exclusive       bool
	markedForDelete bool
	deleted         bool
}

// lockQueue holds the loopers waiting at one priority. Exclusive waiters
// always precede firstShared; everything from firstShared to the tail
// requests shared access.
type lockQueue struct {
	waiting     dlist[*Looper]
	firstShared *Looper
}

func (q *lockQueue) push(l *Looper, exclusive bool) {
	if exclusive {
		q.waiting.linkBefore(l, q.firstShared)
		return
	}
	if q.firstShared == nil {
		q.firstShared = l
	}
	q.waiting.linkLast(l)
}

// frontExclusive reports whether the first waiter requests exclusive access.
func (q *lockQueue) frontExclusive() bool {
	w := q.waiting.front()
	return w != nil && w.tasks.front().exclusive
}

// ID returns the identifier used as the key in looper lock sets.
func (lk *Lock) ID() uint64 { return lk.id }

// Name returns the name given at creation.
func (lk *Lock) Name() string { return lk.name }

// IsDeleted reports whether the lock has been torn down.
func (lk *Lock) IsDeleted() bool {
	lk.owner.mu.Lock()
	defer lk.owner.mu.Unlock()
	return lk.deleted
}

// Stats returns a snapshot of the lock state.
func (lk *Lock) Stats() LockStats {
	lk.owner.mu.Lock()
	defer lk.owner.mu.Unlock()

	waiting := make([]int, len(lk.queues))
	for p := range lk.queues {
		waiting[p] = lk.queues[p].waiting.len()
	}
	return LockStats{
		Name:            lk.name,
		Holders:         lk.holders,
		Exclusive:       lk.exclusive,
		Waiting:         waiting,
		MarkedForDelete: lk.markedForDelete,
		Deleted:         lk.deleted,
	}
}

// =============================================================================
// LockSet: locks currently held by a looper
// =============================================================================

// LockSet records lock membership by lock ID. Unlock runs on every task
// completion that released a lock, so lookups must not depend on how many
// locks a looper holds.
type LockSet struct {
	ids TrieSet[uint64]
}

func (s *LockSet) add(lk *Lock) bool      { return s.ids.Insert(lk.id) }
func (s *LockSet) remove(lk *Lock) bool   { return s.ids.Remove(lk.id) }
func (s *LockSet) contains(lk *Lock) bool { return s.ids.Contains(lk.id) }
func (s *LockSet) len() int               { return s.ids.Len() }

// snapshot returns the held lock IDs in ascending order.
func (s *LockSet) snapshot() []uint64 { return s.ids.Keys() }
