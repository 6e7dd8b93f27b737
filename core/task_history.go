package core

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

const defaultTaskHistoryCapacity = 100

// taskLog keeps the most recent execution records. The n-th record written
// lives in slot n % len(slots) until it is overwritten.
type taskLog struct {
	mu      sync.Mutex
	slots   []TaskExecutionRecord
	written uint64
}

func newTaskLog(size int) *taskLog {
	if size < 1 {
		size = defaultTaskHistoryCapacity
	}
	return &taskLog{slots: make([]TaskExecutionRecord, size)}
}

func (t *taskLog) append(r TaskExecutionRecord) {
	t.mu.Lock()
	t.slots[t.written%uint64(len(t.slots))] = r
	t.written++
	t.mu.Unlock()
}

// newest collects up to limit retained records accepted by match, newest
// first. limit <= 0 means no limit; a nil match accepts everything.
func (t *taskLog) newest(limit int, match func(*TaskExecutionRecord) bool) []TaskExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := uint64(len(t.slots))
	oldest := uint64(0)
	if t.written > size {
		oldest = t.written - size
	}

	var out []TaskExecutionRecord
	for n := t.written; n > oldest; n-- {
		r := &t.slots[(n-1)%size]
		if match != nil && !match(r) {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (t *taskLog) latest() (TaskExecutionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.written == 0 {
		return TaskExecutionRecord{}, false
	}
	return t.slots[(t.written-1)%uint64(len(t.slots))], true
}

// resolveTaskName picks a display name: the explicit one, the function
// behind a TaskFunc, or the task's type.
func resolveTaskName(task Task, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch fn := task.(type) {
	case nil:
		return "anonymous"
	case TaskFunc:
		if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil && f.Name() != "" {
			return f.Name()
		}
		return "anonymous"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", task), "*")
}
