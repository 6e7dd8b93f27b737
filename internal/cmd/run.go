package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Swind/go-looper/core"
	"github.com/Swind/go-looper/internal/config"
	"github.com/Swind/go-looper/internal/workload"
	promexp "github.com/Swind/go-looper/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const metricsShutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic lock-contention workload",
		Long: `Run a synthetic workload: one producer per looper posts a mix of plain,
shared-lock and exclusive-lock tasks at random priorities, optionally with
periodic stop-the-world tasks. Each task checks looper ordering, lock
exclusivity and stop-the-world isolation; the command fails if any check
was violated.

With --metrics-addr the Prometheus endpoint stays up for the duration of the run.`,
		Args: cobra.NoArgs,
		RunE: runWorkload,
	}

	flags := runCmd.Flags()
	flags.Int("workers", 0, "number of pool workers")
	flags.Int("max-priority", 0, "highest task priority")
	flags.Int("loopers", 0, "number of loopers (one producer each)")
	flags.Int("locks", 0, "number of contended locks")
	flags.Int("tasks", 0, "tasks posted per looper")
	flags.Float64("exclusive-ratio", 0, "fraction of lock-claiming tasks that claim exclusively")
	flags.Int("stw-every", 0, "post a stop-the-world task after every N tasks per producer (0 = never)")
	flags.Int("task-duration-ms", 0, "simulated work per task in milliseconds")
	flags.Int64("seed", 0, "random seed for the workload")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (enables metrics)")
	return runCmd
}

func runWorkload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		reg      *prom.Registry
		exporter *promexp.MetricsExporter
		metrics  core.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prom.NewRegistry()
		exporter, err = promexp.NewMetricsExporter(cfg.Metrics.Namespace, reg, promexp.ExporterOptions{})
		if err != nil {
			return fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		metrics = exporter
	}

	c := core.NewControllerWithConfig(cfg.CoreConfig(logger, metrics))
	w := workload.New(c, cfg.Workload)

	if cfg.Metrics.Enabled {
		shutdown, err := startMetrics(ctx, cfg, reg, c, w, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	c.Start(ctx)
	report, runErr := w.Run(ctx)
	if runErr != nil {
		c.Stop()
	} else if err := c.StopGraceful(cfg.Workload.ShutdownTimeout()); err != nil {
		runErr = err
	}

	printReport(cmd.OutOrStdout(), c, report)

	if runErr != nil {
		return fmt.Errorf("workload interrupted: %w", runErr)
	}
	if report.Violations > 0 {
		return fmt.Errorf("%d scheduling violations observed", report.Violations)
	}
	return nil
}

// startMetrics serves reg on the configured address and exports Stats()
// snapshots for the controller, its loopers and locks. The returned func
// stops both.
func startMetrics(ctx context.Context, cfg *config.Config, reg *prom.Registry, c *core.Controller, w *workload.Workload, logger core.Logger) (func(), error) {
	poller, err := promexp.NewSnapshotPoller(reg, cfg.Metrics.PollInterval())
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot poller: %w", err)
	}
	poller.AddController(c.Name(), c)
	for _, l := range w.Loopers() {
		poller.AddLooper(l.Name(), l)
	}
	for _, lk := range w.Locks() {
		poller.AddLock(lk.Name(), lk)
	}

	ln, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", core.F("error", err.Error()))
		}
	}()
	poller.Start(ctx)
	logger.Info("metrics endpoint listening", core.F("addr", ln.Addr().String()))

	return func() {
		poller.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", core.F("error", err.Error()))
		}
	}, nil
}

func printReport(out io.Writer, c *core.Controller, r workload.Report) {
	stats := c.Stats()
	fmt.Fprintf(out, "%-16s%s (%d workers, priorities 0..%d)\n", "controller:", stats.Name, stats.Workers, stats.MaxPriority)
	fmt.Fprintf(out, "%-16s%d\n", "posted:", r.Posted)
	fmt.Fprintf(out, "%-16s%d\n", "completed:", r.Completed)
	fmt.Fprintf(out, "%-16s%d\n", "exclusive:", r.Exclusive)
	fmt.Fprintf(out, "%-16s%d\n", "shared:", r.Shared)
	fmt.Fprintf(out, "%-16s%d\n", "stop-the-world:", r.StopTheWorld)
	fmt.Fprintf(out, "%-16s%d\n", "violations:", r.Violations)
	fmt.Fprintf(out, "%-16s%s\n", "elapsed:", r.Elapsed.Round(time.Millisecond))
	if last, ok := c.LastTask(); ok {
		fmt.Fprintf(out, "%-16s%s on %s (worker %d, %s)\n", "last task:", last.Name, last.LooperName, last.WorkerID, last.Duration)
	}
}
