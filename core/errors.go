package core

import (
	"errors"
	"fmt"
)

// Contract violations are reported by panicking with an error wrapping one of
// these sentinels. A corrupted looper/lock graph cannot be recovered from, so
// none of them is ever returned as a value from the scheduling API.
var (
	ErrInvalidConfig      = errors.New("looper: invalid configuration")
	ErrPriorityOutOfRange = errors.New("looper: priority out of range")
	ErrNilTask            = errors.New("looper: nil task")
	ErrNilLooper          = errors.New("looper: nil looper")
	ErrNilLock            = errors.New("looper: nil lock")
	ErrForeignObject      = errors.New("looper: object belongs to another controller")
	ErrLooperDeleted      = errors.New("looper: looper already deleted")
	ErrLockDeleted        = errors.New("looper: lock already deleted")
	ErrLockAlreadyHeld    = errors.New("looper: lock already held by looper")
	ErrLockNotHeld        = errors.New("looper: lock not held by looper")
)

// ErrStopTimeout is returned by StopGraceful when queued work did not drain in time.
var ErrStopTimeout = errors.New("looper: graceful stop timed out")

func violation(err error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)))
}
