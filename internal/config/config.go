package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Swind/go-looper/core"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. LOOPER_CONTROLLER_WORKERS
// for controller.workers.
const EnvPrefix = "LOOPER"

// Config represents the complete looperctl configuration
type Config struct {
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Workload   WorkloadConfig   `mapstructure:"workload" yaml:"workload"`
}

// ControllerConfig sizes the scheduler
type ControllerConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Workers is the fixed pool size
	Workers int `mapstructure:"workers" yaml:"workers"`
	// MaxPriority is the highest task priority; priorities are 0..MaxPriority
	MaxPriority int `mapstructure:"max_priority" yaml:"max_priority"`
	// HistoryCapacity is the number of execution records kept for inspection
	HistoryCapacity int `mapstructure:"history_capacity" yaml:"history_capacity"`
}

// LoggingConfig controls the zerolog output
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "console"
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	// PollIntervalMs is how often Stats() snapshots are exported as gauges
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// WorkloadConfig shapes the synthetic lock-contention workload of `looperctl run`
type WorkloadConfig struct {
	Loopers        int `mapstructure:"loopers" yaml:"loopers"`
	Locks          int `mapstructure:"locks" yaml:"locks"`
	TasksPerLooper int `mapstructure:"tasks_per_looper" yaml:"tasks_per_looper"`
	// ExclusiveRatio is the fraction of lock-claiming tasks that claim exclusively
	ExclusiveRatio float64 `mapstructure:"exclusive_ratio" yaml:"exclusive_ratio"`
	// StopTheWorldEvery posts one stop-the-world task after every N tasks per producer (0 = never)
	StopTheWorldEvery int `mapstructure:"stop_the_world_every" yaml:"stop_the_world_every"`
	TaskDurationMs    int `mapstructure:"task_duration_ms" yaml:"task_duration_ms"`
	// ShutdownTimeoutMs bounds the graceful drain at the end of the run
	ShutdownTimeoutMs int   `mapstructure:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
	Seed              int64 `mapstructure:"seed" yaml:"seed"`
}

// PollInterval returns the snapshot poll interval as a duration
func (c *MetricsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TaskDuration returns the simulated task body duration
func (c *WorkloadConfig) TaskDuration() time.Duration {
	return time.Duration(c.TaskDurationMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful drain timeout
func (c *WorkloadConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			Name:            "looperctl",
			Workers:         4,
			MaxPriority:     2,
			HistoryCapacity: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			Addr:           ":9090",
			Namespace:      "looper",
			PollIntervalMs: 1000,
		},
		Workload: WorkloadConfig{
			Loopers:           8,
			Locks:             2,
			TasksPerLooper:    50,
			ExclusiveRatio:    0.2,
			StopTheWorldEvery: 0,
			TaskDurationMs:    1,
			ShutdownTimeoutMs: 10000,
			Seed:              1,
		},
	}
}

// SetDefaults registers every key with v so file values and env overrides
// are both picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("controller.name", defaults.Controller.Name)
	v.SetDefault("controller.workers", defaults.Controller.Workers)
	v.SetDefault("controller.max_priority", defaults.Controller.MaxPriority)
	v.SetDefault("controller.history_capacity", defaults.Controller.HistoryCapacity)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
	v.SetDefault("metrics.namespace", defaults.Metrics.Namespace)
	v.SetDefault("metrics.poll_interval_ms", defaults.Metrics.PollIntervalMs)

	v.SetDefault("workload.loopers", defaults.Workload.Loopers)
	v.SetDefault("workload.locks", defaults.Workload.Locks)
	v.SetDefault("workload.tasks_per_looper", defaults.Workload.TasksPerLooper)
	v.SetDefault("workload.exclusive_ratio", defaults.Workload.ExclusiveRatio)
	v.SetDefault("workload.stop_the_world_every", defaults.Workload.StopTheWorldEvery)
	v.SetDefault("workload.task_duration_ms", defaults.Workload.TaskDurationMs)
	v.SetDefault("workload.shutdown_timeout_ms", defaults.Workload.ShutdownTimeoutMs)
	v.SetDefault("workload.seed", defaults.Workload.Seed)
}

// NewViper returns a viper instance with defaults and env overrides applied.
// An explicit path must exist; without one, ./looper.yaml is read if present.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("looper")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration at path (see NewViper) and validates it
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper unmarshals v into a Config and validates it
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// CoreConfig builds the scheduler configuration. logger also backs the
// default panic handler; a nil metrics keeps the no-op recorder.
func (c *Config) CoreConfig(logger core.Logger, metrics core.Metrics) *core.ControllerConfig {
	cfg := core.DefaultControllerConfig()
	cfg.Name = c.Controller.Name
	cfg.Workers = c.Controller.Workers
	cfg.MaxPriority = core.Priority(c.Controller.MaxPriority)
	cfg.HistoryCapacity = c.Controller.HistoryCapacity
	if logger != nil {
		cfg.Logger = logger
		cfg.PanicHandler = &core.DefaultPanicHandler{Logger: logger}
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}
	return cfg
}

// NewLogger builds a zerolog-backed core.Logger writing to w
func (c *LoggingConfig) NewLogger(w io.Writer) (*core.ZerologLogger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return core.NewWriterLogger(w, level), nil
}
