package looper

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-looper/core"
)

// =============================================================================
// Global Controller Helper (Singleton)
// =============================================================================

const globalControllerName = "global-controller"

var (
	globalController *core.Controller
	globalMu         sync.Mutex
)

// InitGlobalController initializes the global controller with the given
// number of workers and priorities 0..maxPriority. It starts the workers
// immediately. Later calls are no-ops until ShutdownGlobalController.
func InitGlobalController(workers int, maxPriority Priority) {
	cfg := core.DefaultControllerConfig()
	cfg.Name = globalControllerName
	cfg.Workers = workers
	cfg.MaxPriority = maxPriority
	InitGlobalControllerWithConfig(cfg)
}

// InitGlobalControllerWithConfig initializes the global controller from cfg.
func InitGlobalControllerWithConfig(cfg *ControllerConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalController != nil {
		return // Already initialized
	}

	globalController = core.NewControllerWithConfig(cfg)
	globalController.Start(context.Background())
}

// GetGlobalController returns the global controller instance.
// It panics if InitGlobalController has not been called.
func GetGlobalController() *Controller {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalController == nil {
		panic("GlobalController not initialized. Call InitGlobalController() first.")
	}
	return globalController
}

// ShutdownGlobalController stops the global controller. Queued tasks are abandoned.
func ShutdownGlobalController() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalController != nil {
		globalController.Stop()
		globalController = nil
	}
}

// ShutdownGlobalControllerGraceful waits up to timeout for queued work to
// drain before stopping the global controller.
func ShutdownGlobalControllerGraceful(timeout time.Duration) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalController == nil {
		return nil
	}
	err := globalController.StopGraceful(timeout)
	globalController = nil
	return err
}

// NewLooper creates a Looper on the global controller.
// This is the recommended way to get a new Looper.
func NewLooper(name string) *Looper {
	return GetGlobalController().NewLooper(name)
}

// NewLock creates a Lock on the global controller.
func NewLock(name string) *Lock {
	return GetGlobalController().NewLock(name)
}
