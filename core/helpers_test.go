package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// newTestController creates a controller that logs nothing.
func newTestController(workers int, maxPriority Priority) *Controller {
	cfg := DefaultControllerConfig()
	cfg.Workers = workers
	cfg.MaxPriority = maxPriority
	cfg.Logger = NewNoOpLogger()
	cfg.PanicHandler = &DefaultPanicHandler{Logger: NewNoOpLogger()}
	return NewControllerWithConfig(cfg)
}

// startTestController starts c and stops it when the test ends.
func startTestController(t *testing.T, c *Controller) {
	t.Helper()
	c.Start(context.Background())
	t.Cleanup(c.Stop)
}

// waitGroupTimeout fails the test if wg is not done within testTimeout.
func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for tasks")
	}
}

// waitUntil polls cond until it holds or testTimeout elapses.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recoverViolation runs fn and returns the error it panicked with.
func recoverViolation(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = e
			return
		}
		err = fmt.Errorf("non-error panic: %v", r)
	}()
	fn()
	return nil
}

func requireViolation(t *testing.T, want error, fn func()) {
	t.Helper()
	err := recoverViolation(fn)
	if err == nil {
		t.Fatalf("expected panic wrapping %v, got none", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("panic = %v, want it to wrap %v", err, want)
	}
}

// recordingLog collects task labels in completion order.
type recordingLog struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingLog) add(s string) {
	r.mu.Lock()
	r.entries = append(r.entries, s)
	r.mu.Unlock()
}

func (r *recordingLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recordingLog) task(label string, wg *sync.WaitGroup) TaskFunc {
	return func(ctx context.Context, c *Controller, l *Looper) {
		r.add(label)
		if wg != nil {
			wg.Done()
		}
	}
}

func noop(ctx context.Context, c *Controller, l *Looper) {}
