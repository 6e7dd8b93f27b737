package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Per-looper ordering
// =============================================================================

// TestController_FIFOAndNonOverlapPerLooper verifies sequential execution per looper
// Given: A controller with 4 workers and 3 loopers
// When: 200 tasks are posted to each looper from concurrent producers
// Then: Each looper runs its tasks in posting order and never two at once
func TestController_FIFOAndNonOverlapPerLooper(t *testing.T) {
	// Arrange
	c := newTestController(4, 0)
	startTestController(t, c)

	const loopers, perLooper = 3, 200
	var wg sync.WaitGroup
	wg.Add(loopers * perLooper)

	type state struct {
		looper  *Looper
		inside  atomic.Bool
		order   []int
		overlap atomic.Int32
	}
	states := make([]*state, loopers)
	for i := range states {
		states[i] = &state{looper: c.NewLooper(fmt.Sprintf("looper-%d", i))}
	}

	// Act
	var g errgroup.Group
	for _, st := range states {
		g.Go(func() error {
			for n := range perLooper {
				st.looper.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
					defer wg.Done()
					if !st.inside.CompareAndSwap(false, true) {
						st.overlap.Add(1)
						return
					}
					st.order = append(st.order, n)
					st.inside.Store(false)
				}))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producers: %v", err)
	}
	waitGroupTimeout(t, &wg)

	// Assert
	for i, st := range states {
		if n := st.overlap.Load(); n != 0 {
			t.Errorf("looper %d: %d overlapping tasks", i, n)
		}
		if len(st.order) != perLooper {
			t.Fatalf("looper %d: ran %d tasks, want %d", i, len(st.order), perLooper)
		}
		for n, got := range st.order {
			if got != n {
				t.Fatalf("looper %d: position %d ran task %d", i, n, got)
			}
		}
	}
}

// TestController_PriorityOrder verifies higher priority loopers are dispatched first
// Given: A single worker kept busy by a gate task
// When: Loopers become ready at priorities 0, 2, 1 and 0
// Then: They run as 2, 1, then the two 0s in readiness order
func TestController_PriorityOrder(t *testing.T) {
	// Arrange
	c := newTestController(1, 2)
	startTestController(t, c)

	started := make(chan struct{})
	release := make(chan struct{})
	c.NewLooper("gate").PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		close(started)
		<-release
	}))
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("gate task did not start")
	}

	var log recordingLog
	var wg sync.WaitGroup
	wg.Add(4)

	// Act
	c.NewLooper("low").PostTaskWithTraits(log.task("low", &wg), TraitsWithPriority(0))
	c.NewLooper("high").PostTaskWithTraits(log.task("high", &wg), TraitsWithPriority(2))
	c.NewLooper("mid").PostTaskWithTraits(log.task("mid", &wg), TraitsWithPriority(1))
	c.NewLooper("low2").PostTaskWithTraits(log.task("low2", &wg), TraitsWithPriority(0))

	if got := c.Stats().ReadyByPriority; !slices.Equal(got, []int{2, 1, 1}) {
		t.Errorf("ReadyByPriority = %v, want [2 1 1]", got)
	}
	close(release)
	waitGroupTimeout(t, &wg)

	// Assert
	want := []string{"high", "mid", "low", "low2"}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// TestController_EnqueueBeforeStart verifies queued work waits for Start
func TestController_EnqueueBeforeStart(t *testing.T) {
	c := newTestController(2, 0)
	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	c.NewLooper("early").PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		ran.Store(true)
		wg.Done()
	}))

	if ran.Load() {
		t.Fatal("task ran before Start")
	}
	if got := c.Stats().ReadyLoopers; got != 1 {
		t.Errorf("ReadyLoopers = %d, want 1", got)
	}

	startTestController(t, c)
	waitGroupTimeout(t, &wg)
}

// =============================================================================
// Locks across workers
// =============================================================================

// rendezvous blocks until n callers have arrived or the deadline passes. It
// reports whether everyone arrived.
func rendezvous(count *atomic.Int32, n int32) bool {
	count.Add(1)
	deadline := time.Now().Add(testTimeout)
	for count.Load() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// TestController_EndToEndSharedAfterExclusive runs the three-looper scenario on live workers
// Given: Controller(3, 1) with A0 (priority 1) holding L exclusively
// When: B0 (priority 1, shared) and C0 (priority 0, shared) are enqueued
// concurrently and A0 then releases L
// Then: B0 and C0 wait while A0 holds L and afterwards hold L at the same time
func TestController_EndToEndSharedAfterExclusive(t *testing.T) {
	// Arrange
	c := newTestController(3, 1)
	startTestController(t, c)
	lk := c.NewLock("L")
	a, b, cl := c.NewLooper("A"), c.NewLooper("B"), c.NewLooper("C")

	var log recordingLog
	var done sync.WaitGroup
	done.Add(3)
	aStarted := make(chan struct{})
	releaseA := make(chan struct{})

	c.EnqueueWithLock(a, TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		defer done.Done()
		close(aStarted)
		<-releaseA
		log.add("A0")
		c.Unlock(l, lk)
	}), 1, false, lk, true)

	select {
	case <-aStarted:
	case <-time.After(testTimeout):
		t.Fatal("A0 did not start")
	}

	var arrived atomic.Int32
	var together atomic.Int32
	shared := func(label string) TaskFunc {
		return func(ctx context.Context, c *Controller, l *Looper) {
			defer done.Done()
			log.add(label)
			if rendezvous(&arrived, 2) && l.Holds(lk) {
				together.Add(1)
			}
			c.Unlock(l, lk)
		}
	}

	// Act
	var g errgroup.Group
	g.Go(func() error {
		c.EnqueueWithLock(b, shared("B0"), 1, false, lk, false)
		return nil
	})
	g.Go(func() error {
		c.EnqueueWithLock(cl, shared("C0"), 0, false, lk, false)
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitUntil(t, "B0 and C0 to park on L", func() bool {
		return lk.Stats().TotalWaiting() == 2
	})
	if got := c.Stats().RunningTasks; got != 1 {
		t.Errorf("RunningTasks = %d while A0 holds L, want 1", got)
	}
	close(releaseA)
	waitGroupTimeout(t, &done)

	// Assert
	got := log.snapshot()
	if len(got) != 3 || got[0] != "A0" {
		t.Fatalf("order = %v, want A0 first", got)
	}
	if n := together.Load(); n != 2 {
		t.Errorf("%d of 2 shared tasks held L together", n)
	}
	if st := lk.Stats(); st.Holders != 0 || st.TotalWaiting() != 0 {
		t.Errorf("lock stats after run = %+v, want free", st)
	}
}

// TestController_LockHeldAcrossTasks verifies a lock claimed by one task stays
// with the looper until it is unlocked
// Given: A looper whose first task claims L exclusively and never unlocks
// When: Another looper claims L and the first looper unlocks from a later task
// Then: The second looper runs only after the explicit unlock
func TestController_LockHeldAcrossTasks(t *testing.T) {
	c := newTestController(2, 0)
	startTestController(t, c)
	lk := c.NewLock("L")
	owner, other := c.NewLooper("owner"), c.NewLooper("other")

	var log recordingLog
	var wg sync.WaitGroup
	wg.Add(3)

	c.EnqueueWithLock(owner, log.task("claim", &wg), 0, false, lk, true)
	waitUntil(t, "first task", func() bool { return len(log.snapshot()) == 1 })

	c.EnqueueWithLock(other, log.task("other", &wg), 0, false, lk, true)
	waitUntil(t, "other to park", func() bool { return lk.Stats().TotalWaiting() == 1 })

	owner.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		log.add("release")
		c.Unlock(l, lk)
		wg.Done()
	}))
	waitGroupTimeout(t, &wg)

	want := []string{"claim", "release", "other"}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if !other.Holds(lk) {
		t.Error("other does not hold L after its task")
	}
}

// =============================================================================
// Stop the world
// =============================================================================

// TestController_StopTheWorldIsolation verifies stop-the-world tasks run alone
// Given: 4 workers busy with tasks on 4 loopers
// When: Stop-the-world tasks are enqueued in between
// Then: No regular task overlaps any stop-the-world task
func TestController_StopTheWorldIsolation(t *testing.T) {
	// Arrange
	cfg := DefaultControllerConfig()
	cfg.Workers = 4
	cfg.MaxPriority = 1
	cfg.HistoryCapacity = 1000
	cfg.Logger = NewNoOpLogger()
	c := NewControllerWithConfig(cfg)
	startTestController(t, c)

	var running atomic.Int32
	var stw atomic.Bool
	var violations atomic.Int32
	var stwRuns atomic.Int32
	var wg sync.WaitGroup

	regular := TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		defer wg.Done()
		if stw.Load() {
			violations.Add(1)
		}
		running.Add(1)
		time.Sleep(100 * time.Microsecond)
		running.Add(-1)
		if stw.Load() {
			violations.Add(1)
		}
	})
	stopTheWorld := TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		defer wg.Done()
		if l != nil || CurrentLooper(ctx) != nil {
			violations.Add(1)
		}
		stw.Store(true)
		if running.Load() != 0 || c.RunningTasks() != 0 {
			violations.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		if running.Load() != 0 {
			violations.Add(1)
		}
		stw.Store(false)
		stwRuns.Add(1)
	})

	loopers := make([]*Looper, 4)
	for i := range loopers {
		loopers[i] = c.NewLooper(fmt.Sprintf("worker-%d", i))
	}

	// Act
	for round := range 5 {
		for _, l := range loopers {
			for range 20 {
				wg.Add(1)
				l.PostTaskWithTraits(regular, TraitsWithPriority(Priority(round%2)))
			}
		}
		wg.Add(1)
		c.EnqueueAndStopTheWorld(stopTheWorld, false)
	}
	waitGroupTimeout(t, &wg)

	// Assert
	if n := violations.Load(); n != 0 {
		t.Errorf("%d isolation violations", n)
	}
	if n := stwRuns.Load(); n != 5 {
		t.Errorf("stop-the-world ran %d times, want 5", n)
	}
	var stwRecords int
	for _, r := range c.RecentTasks(0) {
		if r.StopTheWorld {
			stwRecords++
			if r.LooperName != stopTheWorldName {
				t.Errorf("stop-the-world record looper = %q", r.LooperName)
			}
		}
	}
	if stwRecords != 5 {
		t.Errorf("history holds %d stop-the-world records, want 5", stwRecords)
	}
}

// TestController_StopTheWorldWhenIdle verifies a stop-the-world task on an idle pool runs promptly
func TestController_StopTheWorldWhenIdle(t *testing.T) {
	c := newTestController(2, 0)
	startTestController(t, c)
	waitUntil(t, "workers to park", func() bool { return c.Stats().WaitingWorkers == 2 })

	var wg sync.WaitGroup
	wg.Add(1)
	var gotController *Controller
	c.EnqueueAndStopTheWorld(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		gotController = CurrentController(ctx)
		wg.Done()
	}), false)
	waitGroupTimeout(t, &wg)

	if gotController != c {
		t.Error("CurrentController did not return the running controller")
	}
}

// =============================================================================
// Deletion
// =============================================================================

// TestController_SafeDeleteLooperImmediate verifies an idle looper is deleted at once
// Given: An idle looper holding L with another looper parked on L
// When: The idle looper is safely deleted
// Then: It is deleted, L passes to the waiter and further use panics
func TestController_SafeDeleteLooperImmediate(t *testing.T) {
	c := newTestController(1, 0)
	lk := c.NewLock("L")
	holder, waiter := c.NewLooper("holder"), c.NewLooper("waiter")

	if !c.AttemptLock(holder, lk, true) {
		t.Fatal("AttemptLock on a free lock failed")
	}
	c.EnqueueWithLock(waiter, TaskFunc(noop), 0, false, lk, false)
	before := c.Stats().Loopers

	c.SafeDeleteLooper(holder)

	if !holder.IsDeleted() {
		t.Fatal("idle looper was not deleted")
	}
	if got := c.Stats().Loopers; got != before-1 {
		t.Errorf("Loopers = %d, want %d", got, before-1)
	}
	if !waiter.Holds(lk) {
		t.Error("lock was not passed to the waiter")
	}
	requireViolation(t, ErrLooperDeleted, func() { holder.PostTask(TaskFunc(noop)) })
	requireViolation(t, ErrLooperDeleted, func() { c.SafeDeleteLooper(holder) })
}

// TestController_SafeDeleteLooperDeferred verifies a busy looper is deleted after its last task
// Given: A looper running a task that took L exclusively and a second looper parked on L
// When: The busy looper is safely deleted and its task then finishes
// Then: Deletion happens only after the task and releases L to the waiter
func TestController_SafeDeleteLooperDeferred(t *testing.T) {
	// Arrange
	c := newTestController(2, 0)
	startTestController(t, c)
	lk := c.NewLock("L")
	busy, waiter := c.NewLooper("busy"), c.NewLooper("waiter")

	started := make(chan struct{})
	release := make(chan struct{})
	var queuedRan atomic.Bool
	c.EnqueueWithLock(busy, TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		close(started)
		<-release
	}), 0, false, lk, true)
	busy.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		queuedRan.Store(true)
	}))
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("busy task did not start")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	c.EnqueueWithLock(waiter, TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		wg.Done()
	}), 0, false, lk, true)

	// Act
	c.SafeDeleteLooper(busy)

	// Assert
	st := busy.Stats()
	if st.Deleted || !st.MarkedForDelete {
		t.Fatalf("busy looper stats = %+v, want marked but not deleted", st)
	}
	close(release)
	waitGroupTimeout(t, &wg)
	waitUntil(t, "deferred deletion", busy.IsDeleted)

	if !queuedRan.Load() {
		t.Error("task queued before deletion did not run")
	}
	if !waiter.Holds(lk) {
		t.Error("lock was not released to the waiter")
	}
}

// TestController_SafeDeleteLooperFromOwnTask verifies a task may delete its own looper
// Given: A looper whose running task safely deletes that same looper
// When: The task inspects the looper right after the call
// Then: The looper is still valid and marked, and is deleted once the task returns
func TestController_SafeDeleteLooperFromOwnTask(t *testing.T) {
	// Arrange
	c := newTestController(2, 0)
	startTestController(t, c)
	self := c.NewLooper("self")

	var wg sync.WaitGroup
	wg.Add(1)
	var deletedDuringRun, markedDuringRun atomic.Bool
	release := make(chan struct{})

	// Act
	self.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		defer wg.Done()
		c.SafeDeleteLooper(l)
		deletedDuringRun.Store(l.IsDeleted())
		markedDuringRun.Store(l.Stats().MarkedForDelete)
		<-release
	}))

	// Assert
	waitUntil(t, "looper to be marked", func() bool { return self.Stats().MarkedForDelete })
	if self.IsDeleted() {
		t.Fatal("looper deleted while its task was still running")
	}
	close(release)
	waitGroupTimeout(t, &wg)
	waitUntil(t, "deletion after the task", self.IsDeleted)

	if deletedDuringRun.Load() {
		t.Error("looper reported deleted inside its own task")
	}
	if !markedDuringRun.Load() {
		t.Error("looper not marked for delete inside its own task")
	}
	requireViolation(t, ErrLooperDeleted, func() { self.PostTask(TaskFunc(noop)) })
}

// =============================================================================
// Panics, disposal and history
// =============================================================================

type recordingPanicHandler struct {
	mu      sync.Mutex
	loopers []string
	values  []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, looperName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loopers = append(h.loopers, looperName)
	h.values = append(h.values, panicInfo)
}

type recordingMetrics struct {
	mu        sync.Mutex
	durations int
	panics    int
	waits     int
	grants    map[bool]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{grants: map[bool]int{}}
}

func (m *recordingMetrics) RecordTaskDuration(looperName string, priority Priority, d time.Duration) {
	m.mu.Lock()
	m.durations++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTaskPanic(looperName string, panicInfo any) {
	m.mu.Lock()
	m.panics++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordLockWait(lockName string, priority Priority, exclusive bool) {
	m.mu.Lock()
	m.waits++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordLockGrant(lockName string, exclusive bool) {
	m.mu.Lock()
	m.grants[exclusive]++
	m.mu.Unlock()
}

// TestController_PanicContainment verifies a panicking task does not stall its looper
// Given: A looper whose first task panics
// When: A second task is queued behind it
// Then: The panic reaches the handler and metrics, and the second task runs
func TestController_PanicContainment(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	metrics := newRecordingMetrics()
	cfg := DefaultControllerConfig()
	cfg.Workers = 2
	cfg.MaxPriority = 0
	cfg.Logger = NewNoOpLogger()
	cfg.PanicHandler = handler
	cfg.Metrics = metrics
	c := NewControllerWithConfig(cfg)
	startTestController(t, c)

	l := c.NewLooper("fragile")
	var wg sync.WaitGroup
	wg.Add(1)

	// Act
	l.PostTaskWithTraits(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		panic("boom")
	}), TaskTraits{Name: "explode"})
	l.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		wg.Done()
	}))
	waitGroupTimeout(t, &wg)
	waitUntil(t, "history", func() bool { return len(c.RecentTasks(0)) == 2 })

	// Assert
	handler.mu.Lock()
	if !slices.Equal(handler.loopers, []string{"fragile"}) || handler.values[0] != "boom" {
		t.Errorf("panic handler saw %v / %v", handler.loopers, handler.values)
	}
	handler.mu.Unlock()

	metrics.mu.Lock()
	if metrics.panics != 1 || metrics.durations != 2 {
		t.Errorf("metrics panics=%d durations=%d, want 1 and 2", metrics.panics, metrics.durations)
	}
	metrics.mu.Unlock()

	records := c.RecentTasks(0)
	if records[1].Name != "explode" || !records[1].Panicked {
		t.Errorf("oldest record = %+v, want panicked explode", records[1])
	}
	if records[0].Panicked {
		t.Error("second task recorded as panicked")
	}
}

// TestController_LockMetrics verifies lock waits and grants reach Metrics
func TestController_LockMetrics(t *testing.T) {
	metrics := newRecordingMetrics()
	cfg := DefaultControllerConfig()
	cfg.Workers = 1
	cfg.MaxPriority = 0
	cfg.Logger = NewNoOpLogger()
	cfg.Metrics = metrics
	c := NewControllerWithConfig(cfg)
	lk := c.NewLock("L")

	claim(c, c.NewLooper("a"), lk, 0, false)
	claim(c, c.NewLooper("b"), lk, 0, true)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.grants[false] != 1 || metrics.grants[true] != 0 || metrics.waits != 1 {
		t.Errorf("grants=%v waits=%d, want one shared grant and one wait", metrics.grants, metrics.waits)
	}
}

type disposableTask struct {
	ran      atomic.Bool
	disposed atomic.Bool
	wg       *sync.WaitGroup
}

func (d *disposableTask) Run(ctx context.Context, c *Controller, l *Looper) {
	d.ran.Store(true)
}

func (d *disposableTask) Dispose() {
	d.disposed.Store(true)
	d.wg.Done()
}

// TestController_DeleteAfterwards verifies Dispose is called only when requested
func TestController_DeleteAfterwards(t *testing.T) {
	c := newTestController(1, 0)
	startTestController(t, c)
	l := c.NewLooper("owner")

	var wg sync.WaitGroup
	wg.Add(1)
	owned := &disposableTask{wg: &wg}
	kept := &disposableTask{wg: &wg}

	var done sync.WaitGroup
	done.Add(1)
	c.Enqueue(l, kept, 0, false)
	c.Enqueue(l, owned, 0, true)
	l.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) { done.Done() }))

	waitGroupTimeout(t, &wg)
	waitGroupTimeout(t, &done)

	if !owned.ran.Load() || !owned.disposed.Load() {
		t.Error("owned task was not run and disposed")
	}
	if !kept.ran.Load() || kept.disposed.Load() {
		t.Error("kept task must run without being disposed")
	}
}

// TestController_TaskContext verifies the task context carries the controller and looper
func TestController_TaskContext(t *testing.T) {
	c := newTestController(1, 0)
	startTestController(t, c)
	l := c.NewLooper("ctx")

	var wg sync.WaitGroup
	wg.Add(1)
	var gotLooper *Looper
	var gotController *Controller
	l.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		gotLooper = CurrentLooper(ctx)
		gotController = CurrentController(ctx)
		wg.Done()
	}))
	waitGroupTimeout(t, &wg)

	if gotLooper != l || gotController != c {
		t.Errorf("context carried looper=%v controller=%v", gotLooper, gotController)
	}
	if CurrentLooper(context.Background()) != nil || CurrentController(context.Background()) != nil {
		t.Error("foreign context must carry nothing")
	}
}

// TestController_StatsAndHistory verifies snapshots after a run
func TestController_StatsAndHistory(t *testing.T) {
	c := newTestController(2, 1)
	c.NewLock("one")
	c.NewLock("two")
	l := c.NewLooper("named")

	var wg sync.WaitGroup
	wg.Add(2)
	l.PostTaskWithTraits(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) { wg.Done() }), TaskTraits{Name: "first", Priority: 1})
	l.PostTaskWithTraits(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) { wg.Done() }), TaskTraits{Name: "second"})

	st := c.Stats()
	if st.Running || st.Workers != 2 || st.MaxPriority != 1 || st.Locks != 2 || st.Loopers != 1 {
		t.Errorf("stats before start = %+v", st)
	}
	if ls := l.Stats(); ls.Pending != 2 || ls.Priority != 1 {
		t.Errorf("looper stats = %+v, want 2 pending at priority 1", ls)
	}

	startTestController(t, c)
	waitGroupTimeout(t, &wg)
	waitUntil(t, "history", func() bool { return len(c.RecentTasks(0)) == 2 })

	if !c.Stats().Running {
		t.Error("Stats().Running = false after Start")
	}
	recent := c.RecentTasks(1)
	if len(recent) != 1 || recent[0].Name != "second" || recent[0].LooperName != "named" {
		t.Errorf("RecentTasks(1) = %+v", recent)
	}
	last, ok := c.LastTask()
	if !ok || last.Name != "second" || last.Priority != 0 {
		t.Errorf("LastTask = %+v, %v", last, ok)
	}
	if all := c.RecentTasks(0); all[1].Name != "first" || all[1].Priority != 1 {
		t.Errorf("oldest record = %+v", all[1])
	}

	other := c.NewLooper("other")
	wg.Add(1)
	other.PostTaskWithTraits(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) { wg.Done() }), TaskTraits{Name: "third"})
	waitGroupTimeout(t, &wg)
	waitUntil(t, "history", func() bool { return len(c.RecentTasks(0)) == 3 })

	if mine := l.RecentTasks(0); len(mine) != 2 || mine[0].Name != "second" || mine[0].LooperID != l.ID() {
		t.Errorf("named looper records = %+v", mine)
	}
	if theirs := other.RecentTasks(0); len(theirs) != 1 || theirs[0].Name != "third" {
		t.Errorf("other looper records = %+v", theirs)
	}
	waitUntil(t, "idle workers", func() bool { return c.RunningTasks() == 0 })
}

// =============================================================================
// Lifecycle
// =============================================================================

// TestController_StopGracefulDrains verifies queued work finishes before stop
func TestController_StopGracefulDrains(t *testing.T) {
	c := newTestController(2, 0)
	c.Start(context.Background())

	var count atomic.Int32
	for i := range 4 {
		l := c.NewLooper(fmt.Sprintf("drain-%d", i))
		for range 10 {
			l.PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
				time.Sleep(100 * time.Microsecond)
				count.Add(1)
			}))
		}
	}

	if err := c.StopGraceful(testTimeout); err != nil {
		t.Fatalf("StopGraceful: %v", err)
	}
	if n := count.Load(); n != 40 {
		t.Errorf("ran %d tasks, want 40", n)
	}
	if c.IsRunning() {
		t.Error("IsRunning after StopGraceful")
	}
}

// TestController_StopGracefulTimeout verifies a stuck task produces ErrStopTimeout
func TestController_StopGracefulTimeout(t *testing.T) {
	c := newTestController(1, 0)
	c.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	c.NewLooper("stuck").PostTask(TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
		close(started)
		<-release
	}))
	<-started

	errCh := make(chan error, 1)
	go func() { errCh <- c.StopGraceful(20 * time.Millisecond) }()

	waitUntil(t, "stop request", func() bool { return !c.IsRunning() })
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopTimeout) {
			t.Errorf("StopGraceful = %v, want ErrStopTimeout", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("StopGraceful did not return")
	}
}

// TestController_ContextCancelStops verifies cancelling the Start context stops the workers
func TestController_ContextCancelStops(t *testing.T) {
	c := newTestController(3, 0)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.Start(ctx)

	if !c.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}
	cancel()
	waitUntil(t, "cancellation", func() bool { return !c.IsRunning() })

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("workers did not exit")
	}
}

// TestController_StopWithoutStart verifies Stop on an unstarted controller returns
func TestController_StopWithoutStart(t *testing.T) {
	c := newTestController(1, 0)
	c.Stop()
	c.Start(context.Background())
	if c.IsRunning() {
		t.Error("a stopped controller must not restart")
	}
}

// =============================================================================
// Contract checks
// =============================================================================

// TestController_ContractViolations verifies misuse panics with the matching sentinel
func TestController_ContractViolations(t *testing.T) {
	c := newTestController(1, 1)
	other := newTestController(1, 1)
	l := c.NewLooper("l")

	requireViolation(t, ErrPriorityOutOfRange, func() { c.Enqueue(l, TaskFunc(noop), 2, false) })
	requireViolation(t, ErrPriorityOutOfRange, func() { c.Enqueue(l, TaskFunc(noop), -1, false) })
	requireViolation(t, ErrNilTask, func() { c.Enqueue(l, nil, 0, false) })
	requireViolation(t, ErrNilTask, func() { c.EnqueueAndStopTheWorld(nil, false) })
	requireViolation(t, ErrNilLooper, func() { c.Enqueue(nil, TaskFunc(noop), 0, false) })
	requireViolation(t, ErrForeignObject, func() { other.Enqueue(l, TaskFunc(noop), 0, false) })
	requireViolation(t, ErrForeignObject, func() { other.SafeDeleteLooper(l) })
	requireViolation(t, ErrForeignObject, func() { other.SafeDeleteLock(c.NewLock("x")) })

	if got := c.Stats().ReadyLoopers; got != 0 {
		t.Errorf("rejected enqueues left %d ready loopers", got)
	}
}

// stopRecovering calls c.Stop and returns whatever it panicked with. It fails
// the test if Stop does not return within testTimeout.
func stopRecovering(t *testing.T, c *Controller) any {
	t.Helper()
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		c.Stop()
	}()
	select {
	case r := <-done:
		return r
	case <-time.After(testTimeout):
		t.Fatal("Stop blocked after a worker violation")
		return nil
	}
}

// TestController_WorkerViolationSurfaces verifies a violation raised after a task does not wedge the controller
// Given: A looper whose queued task claims a lock that becomes invalid while an earlier task runs
// When: The earlier task finishes and the worker schedules the next one
// Then: The controller stops, stays observable, and Stop re-raises the violation
func TestController_WorkerViolationSurfaces(t *testing.T) {
	tests := []struct {
		name string
		want error
		// arrange queues work on l and returns a func run while the first task blocks.
		arrange func(c *Controller, l *Looper, lk *Lock, first TaskFunc) func()
	}{
		{
			name: "claimed lock deleted",
			want: ErrLockDeleted,
			arrange: func(c *Controller, l *Looper, lk *Lock, first TaskFunc) func() {
				l.PostTask(first)
				l.PostTaskWithTraits(TaskFunc(noop), TraitsExclusive(lk, 0))
				return func() { c.SafeDeleteLock(lk) }
			},
		},
		{
			name: "shared claim never released",
			want: ErrLockAlreadyHeld,
			arrange: func(c *Controller, l *Looper, lk *Lock, first TaskFunc) func() {
				l.PostTaskWithTraits(first, TraitsShared(lk, 0))
				l.PostTaskWithTraits(TaskFunc(noop), TraitsShared(lk, 0))
				return func() {}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			c := newTestController(2, 0)
			c.Start(context.Background())
			lk := c.NewLock("X")
			l := c.NewLooper("l")

			started := make(chan struct{})
			release := make(chan struct{})
			first := TaskFunc(func(ctx context.Context, c *Controller, l *Looper) {
				close(started)
				<-release
			})
			whileRunning := tt.arrange(c, l, lk, first)
			select {
			case <-started:
			case <-time.After(testTimeout):
				t.Fatal("first task did not start")
			}
			whileRunning()

			// Act
			close(release)

			// Assert
			statsDone := make(chan ControllerStats, 1)
			go func() {
				for {
					if st := c.Stats(); !st.Running {
						statsDone <- st
						return
					}
					time.Sleep(time.Millisecond)
				}
			}()
			select {
			case <-statsDone:
			case <-time.After(testTimeout):
				t.Fatal("controller did not stop after the violation")
			}

			r := stopRecovering(t, c)
			if r == nil {
				t.Fatal("Stop returned without re-raising the violation")
			}
			if msg := fmt.Sprint(r); !strings.Contains(msg, tt.want.Error()) {
				t.Errorf("Stop panicked with %q, want it to mention %q", msg, tt.want)
			}
			if c.IsRunning() {
				t.Error("controller still running after the violation")
			}
		})
	}
}

// TestControllerConfig_Validate verifies numeric settings are checked
func TestControllerConfig_Validate(t *testing.T) {
	if err := DefaultControllerConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ControllerConfig)
	}{
		{"no workers", func(cfg *ControllerConfig) { cfg.Workers = 0 }},
		{"too many workers", func(cfg *ControllerConfig) { cfg.Workers = maxAllowedWorkers + 1 }},
		{"negative priority", func(cfg *ControllerConfig) { cfg.MaxPriority = -1 }},
		{"priority too high", func(cfg *ControllerConfig) { cfg.MaxPriority = maxAllowedPriority + 1 }},
		{"negative history", func(cfg *ControllerConfig) { cfg.HistoryCapacity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultControllerConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	requireViolation(t, ErrInvalidConfig, func() { NewController(0, 1) })
}
