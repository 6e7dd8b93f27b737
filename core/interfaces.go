package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution. The controller
// recovers the panic and carries on with the looper's bookkeeping as if the
// task had returned.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context handed to the panicked task
	// - looperName: The name of the looper the task ran on ("stop-the-world" for those tasks)
	// - workerID: The ID of the pool worker that ran the task
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, looperName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, looperName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("looper", looperName),
		F("worker", workerID),
		F("panic", fmt.Sprint(panicInfo)),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduler metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// RecordLockWait and RecordLockGrant are called with the controller mutex
// held; they must be non-blocking and fast.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(looperName string, priority Priority, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(looperName string, panicInfo any)

	// RecordLockWait records that a looper was parked on a lock waiting queue.
	RecordLockWait(lockName string, priority Priority, exclusive bool)

	// RecordLockGrant records that a looper acquired a lock.
	RecordLockGrant(lockName string, exclusive bool)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(looperName string, priority Priority, duration time.Duration) {
}

func (m *NilMetrics) RecordTaskPanic(looperName string, panicInfo any) {}

func (m *NilMetrics) RecordLockWait(lockName string, priority Priority, exclusive bool) {}

func (m *NilMetrics) RecordLockGrant(lockName string, exclusive bool) {}

// =============================================================================
// ControllerConfig: Configuration for Controller
// =============================================================================

const (
	defaultControllerName = "controller"

	// maxAllowedWorkers bounds the pool size; every worker is a goroutine
	// parked on the controller condition variable.
	maxAllowedWorkers = 10000

	// maxAllowedPriority bounds the number of ready queues and the size of
	// every lock's waiting-queue table.
	maxAllowedPriority = 255
)

// ControllerConfig holds configuration options for a Controller.
// All handlers are optional; if not provided, default implementations will be used.
type ControllerConfig struct {
	// Name labels logs, metrics and stats. Defaults to "controller".
	Name string

	// Workers is the fixed number of pool workers. Must be at least 1.
	Workers int

	// MaxPriority is the highest valid task priority; priorities are 0..MaxPriority.
	MaxPriority Priority

	// HistoryCapacity is the number of execution records kept for RecentTasks.
	HistoryCapacity int

	// Logger receives lifecycle and teardown logs. Defaults to NewDefaultLogger().
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record scheduler metrics. Defaults to NilMetrics.
	Metrics Metrics
}

// DefaultControllerConfig returns a config with default handlers.
func DefaultControllerConfig() *ControllerConfig {
	logger := NewDefaultLogger()
	return &ControllerConfig{
		Name:            defaultControllerName,
		Workers:         4,
		MaxPriority:     2,
		HistoryCapacity: defaultTaskHistoryCapacity,
		Logger:          logger,
		PanicHandler:    &DefaultPanicHandler{Logger: logger},
		Metrics:         &NilMetrics{},
	}
}

// Validate checks the numeric settings.
func (cfg *ControllerConfig) Validate() error {
	if cfg.Workers < 1 || cfg.Workers > maxAllowedWorkers {
		return fmt.Errorf("%w: workers must be in [1, %d], got %d", ErrInvalidConfig, maxAllowedWorkers, cfg.Workers)
	}
	if cfg.MaxPriority < 0 || cfg.MaxPriority > maxAllowedPriority {
		return fmt.Errorf("%w: max priority must be in [0, %d], got %d", ErrInvalidConfig, maxAllowedPriority, cfg.MaxPriority)
	}
	if cfg.HistoryCapacity < 0 {
		return fmt.Errorf("%w: history capacity must not be negative, got %d", ErrInvalidConfig, cfg.HistoryCapacity)
	}
	return nil
}
