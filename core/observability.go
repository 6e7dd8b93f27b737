package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID       TaskID
	Name         string
	LooperID     uint64
	LooperName   string
	Priority     Priority
	LockName     string
	Exclusive    bool
	StopTheWorld bool
	WorkerID     int
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	Panicked     bool
}

// ControllerStats represents runtime observability state for a controller.
type ControllerStats struct {
	Name           string
	Workers        int
	MaxPriority    Priority
	Running        bool
	RunningTasks   int
	WaitingWorkers int
	ReadyLoopers   int
	// ReadyByPriority[p] is the length of the ready queue for priority p.
	ReadyByPriority     []int
	Loopers             int
	Locks               int
	StopTheWorldPending int
	StopTheWorldRunning bool
}

// LooperStats represents runtime observability state for a looper.
type LooperStats struct {
	Name            string
	Pending         int
	Running         bool
	Priority        Priority
	LocksHeld       int
	MarkedForDelete bool
	Deleted         bool
}

// LockStats represents runtime observability state for a lock.
type LockStats struct {
	Name      string
	Holders   int
	Exclusive bool
	// Waiting[p] is the number of loopers waiting at priority p.
	Waiting         []int
	MarkedForDelete bool
	Deleted         bool
}

// TotalWaiting sums the waiting loopers over all priorities.
func (s LockStats) TotalWaiting() int {
	n := 0
	for _, w := range s.Waiting {
		n += w
	}
	return n
}
