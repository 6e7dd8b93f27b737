package config

import (
	"fmt"
	"slices"
	"strings"
)

// Controller bounds match core.ControllerConfig.Validate.
const (
	maxWorkers     = 10000
	maxPriority    = 255
	minPollMs      = 10
	maxExclusivity = 1.0
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "controller.workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"json", "console"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateController()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateWorkload()...)
	return errors
}

func (c *Config) validateController() []ValidationError {
	var errors []ValidationError
	if c.Controller.Workers < 1 || c.Controller.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "controller.workers",
			Value:   c.Controller.Workers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkers),
		})
	}
	if c.Controller.MaxPriority < 0 || c.Controller.MaxPriority > maxPriority {
		errors = append(errors, ValidationError{
			Field:   "controller.max_priority",
			Value:   c.Controller.MaxPriority,
			Message: fmt.Sprintf("must be between 0 and %d", maxPriority),
		})
	}
	if c.Controller.HistoryCapacity < 0 {
		errors = append(errors, ValidationError{
			Field:   "controller.history_capacity",
			Value:   c.Controller.HistoryCapacity,
			Message: "must not be negative",
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: "must be one of: " + strings.Join(ValidLogLevels(), ", "),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: "must be one of: " + strings.Join(ValidLogFormats(), ", "),
		})
	}
	return errors
}

func (c *Config) validateMetrics() []ValidationError {
	if !c.Metrics.Enabled {
		return nil
	}
	var errors []ValidationError
	if c.Metrics.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "metrics.addr",
			Value:   c.Metrics.Addr,
			Message: "is required when metrics are enabled",
		})
	}
	if c.Metrics.PollIntervalMs < minPollMs {
		errors = append(errors, ValidationError{
			Field:   "metrics.poll_interval_ms",
			Value:   c.Metrics.PollIntervalMs,
			Message: fmt.Sprintf("must be at least %d", minPollMs),
		})
	}
	return errors
}

func (c *Config) validateWorkload() []ValidationError {
	var errors []ValidationError
	w := c.Workload
	if w.Loopers < 1 {
		errors = append(errors, ValidationError{Field: "workload.loopers", Value: w.Loopers, Message: "must be at least 1"})
	}
	if w.Locks < 0 {
		errors = append(errors, ValidationError{Field: "workload.locks", Value: w.Locks, Message: "must not be negative"})
	}
	if w.TasksPerLooper < 0 {
		errors = append(errors, ValidationError{Field: "workload.tasks_per_looper", Value: w.TasksPerLooper, Message: "must not be negative"})
	}
	if w.ExclusiveRatio < 0 || w.ExclusiveRatio > maxExclusivity {
		errors = append(errors, ValidationError{Field: "workload.exclusive_ratio", Value: w.ExclusiveRatio, Message: "must be between 0 and 1"})
	}
	if w.StopTheWorldEvery < 0 {
		errors = append(errors, ValidationError{Field: "workload.stop_the_world_every", Value: w.StopTheWorldEvery, Message: "must not be negative"})
	}
	if w.TaskDurationMs < 0 {
		errors = append(errors, ValidationError{Field: "workload.task_duration_ms", Value: w.TaskDurationMs, Message: "must not be negative"})
	}
	if w.ShutdownTimeoutMs <= 0 {
		errors = append(errors, ValidationError{Field: "workload.shutdown_timeout_ms", Value: w.ShutdownTimeoutMs, Message: "must be positive"})
	}
	return errors
}
