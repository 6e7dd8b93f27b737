// Package workload drives a controller with a synthetic mix of plain,
// shared, exclusive and stop-the-world tasks and checks the scheduling
// guarantees while it runs.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Swind/go-looper/core"
	"github.com/Swind/go-looper/internal/config"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a finished run.
type Report struct {
	Posted       int64
	Completed    int64
	Exclusive    int64
	Shared       int64
	StopTheWorld int64
	// Violations counts observed breaches of looper ordering, lock
	// exclusivity or stop-the-world isolation. Always zero on a correct scheduler.
	Violations int64
	Elapsed    time.Duration
}

// guard is the state protected by one lock.
type guard struct {
	readers atomic.Int64
	writers atomic.Int64
	value   int
}

// Workload owns one looper per producer and the locks they contend on.
type Workload struct {
	c       *core.Controller
	cfg     config.WorkloadConfig
	loopers []*core.Looper
	locks   []*core.Lock
	guards  []*guard
	// nextSeq[i] is only touched by tasks of loopers[i].
	nextSeq []int

	pending sync.WaitGroup

	posted       atomic.Int64
	completed    atomic.Int64
	exclusive    atomic.Int64
	shared       atomic.Int64
	stopTheWorld atomic.Int64
	violations   atomic.Int64
}

// New creates the loopers and locks on c.
func New(c *core.Controller, cfg config.WorkloadConfig) *Workload {
	w := &Workload{
		c:       c,
		cfg:     cfg,
		nextSeq: make([]int, cfg.Loopers),
	}
	for i := range cfg.Loopers {
		w.loopers = append(w.loopers, c.NewLooper(fmt.Sprintf("looper-%d", i)))
	}
	for i := range cfg.Locks {
		w.locks = append(w.locks, c.NewLock(fmt.Sprintf("lock-%d", i)))
		w.guards = append(w.guards, &guard{})
	}
	return w
}

// Loopers returns the producer loopers in creation order.
func (w *Workload) Loopers() []*core.Looper { return w.loopers }

// Locks returns the contended locks in creation order.
func (w *Workload) Locks() []*core.Lock { return w.locks }

// Run posts the whole workload from one producer goroutine per looper and
// waits until every posted task has run. The controller must be started.
func (w *Workload) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.loopers {
		g.Go(func() error {
			return w.produce(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return w.report(start), err
	}

	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return w.report(start), nil
	case <-ctx.Done():
		return w.report(start), ctx.Err()
	}
}

func (w *Workload) produce(ctx context.Context, idx int) error {
	rng := rand.New(rand.NewPCG(uint64(w.cfg.Seed), uint64(idx)))
	l := w.loopers[idx]
	maxPriority := int(w.c.MaxPriority())

	for seq := range w.cfg.TasksPerLooper {
		if err := ctx.Err(); err != nil {
			return err
		}

		priority := core.Priority(rng.IntN(maxPriority + 1))
		w.pending.Add(1)
		w.posted.Inc()
		if len(w.locks) > 0 && rng.IntN(2) == 0 {
			k := rng.IntN(len(w.locks))
			exclusive := rng.Float64() < w.cfg.ExclusiveRatio
			traits := core.TraitsShared(w.locks[k], priority)
			if exclusive {
				traits = core.TraitsExclusive(w.locks[k], priority)
			}
			traits.Name = "locked"
			l.PostTaskWithTraits(w.lockedTask(idx, seq, k, exclusive), traits)
		} else {
			traits := core.TraitsWithPriority(priority)
			traits.Name = "plain"
			l.PostTaskWithTraits(w.plainTask(idx, seq), traits)
		}

		if every := w.cfg.StopTheWorldEvery; every > 0 && (seq+1)%every == 0 {
			w.pending.Add(1)
			w.posted.Inc()
			w.c.EnqueueAndStopTheWorld(core.TaskFunc(w.stopTheWorldTask), false)
		}
	}
	return nil
}

func (w *Workload) checkOrder(idx, seq int) {
	if w.nextSeq[idx] != seq {
		w.violations.Inc()
	}
	w.nextSeq[idx] = seq + 1
}

func (w *Workload) simulateWork() {
	if d := w.cfg.TaskDuration(); d > 0 {
		time.Sleep(d)
	}
}

func (w *Workload) plainTask(idx, seq int) core.TaskFunc {
	return func(ctx context.Context, c *core.Controller, l *core.Looper) {
		defer w.pending.Done()
		w.checkOrder(idx, seq)
		w.simulateWork()
		w.completed.Inc()
	}
}

// lockedTask runs with the lock already claimed through its traits and
// releases it before returning.
func (w *Workload) lockedTask(idx, seq, k int, exclusive bool) core.TaskFunc {
	g, lk := w.guards[k], w.locks[k]
	return func(ctx context.Context, c *core.Controller, l *core.Looper) {
		defer w.pending.Done()
		defer c.Unlock(l, lk)
		w.checkOrder(idx, seq)

		if exclusive {
			if g.writers.Inc() != 1 || g.readers.Load() != 0 {
				w.violations.Inc()
			}
			g.value++
			w.simulateWork()
			g.writers.Dec()
			w.exclusive.Inc()
		} else {
			g.readers.Inc()
			if g.writers.Load() != 0 {
				w.violations.Inc()
			}
			before := g.value
			w.simulateWork()
			if g.value != before {
				w.violations.Inc()
			}
			g.readers.Dec()
			w.shared.Inc()
		}
		w.completed.Inc()
	}
}

func (w *Workload) stopTheWorldTask(ctx context.Context, c *core.Controller, l *core.Looper) {
	defer w.pending.Done()
	if l != nil || c.RunningTasks() != 0 {
		w.violations.Inc()
	}
	w.stopTheWorld.Inc()
	w.completed.Inc()
}

func (w *Workload) report(start time.Time) Report {
	return Report{
		Posted:       w.posted.Load(),
		Completed:    w.completed.Load(),
		Exclusive:    w.exclusive.Load(),
		Shared:       w.shared.Load(),
		StopTheWorld: w.stopTheWorld.Load(),
		Violations:   w.violations.Load(),
		Elapsed:      time.Since(start),
	}
}
