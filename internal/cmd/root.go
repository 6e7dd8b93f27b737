package cmd

import (
	"github.com/Swind/go-looper/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "looperctl",
		Short: "Drive and inspect a priority looper scheduler",
		Long: `looperctl runs a synthetic lock-contention workload on a looper controller
and reports whether ordering, lock exclusivity and stop-the-world isolation held.

Configuration is read from --config, or ./looper.yaml when present, and can be
overridden with LOOPER_* environment variables (e.g. LOOPER_CONTROLLER_WORKERS).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./looper.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json, console")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

// flagBindings maps command-line flags onto config keys. Only flags that were
// set on the command line override file and env values.
var flagBindings = map[string]string{
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"workers":          "controller.workers",
	"max-priority":     "controller.max_priority",
	"metrics-addr":     "metrics.addr",
	"loopers":          "workload.loopers",
	"locks":            "workload.locks",
	"tasks":            "workload.tasks_per_looper",
	"exclusive-ratio":  "workload.exclusive_ratio",
	"stw-every":        "workload.stop_the_world_every",
	"task-duration-ms": "workload.task_duration_ms",
	"seed":             "workload.seed",
}

// loadConfig resolves the effective configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	v, err := config.NewViper(path)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("metrics-addr"); f != nil && f.Changed {
		v.Set("metrics.enabled", true)
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
