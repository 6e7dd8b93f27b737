package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-looper/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "looper"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	lockWaitTotal       *prom.CounterVec
	lockGrantTotal      *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"looper", "priority"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"looper"})
	waitVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "lock_wait_total",
		Help:      "Total number of loopers parked on a lock waiting queue.",
	}, []string{"lock", "priority", "mode"})
	grantVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "lock_grant_total",
		Help:      "Total number of lock acquisitions.",
	}, []string{"lock", "mode"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if waitVec, err = registerCollector(reg, waitVec); err != nil {
		return nil, err
	}
	if grantVec, err = registerCollector(reg, grantVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		lockWaitTotal:       waitVec,
		lockGrantTotal:      grantVec,
	}, nil
}

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(looperName string, priority core.Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(looperName, "unknown"), priorityLabel(priority)).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(looperName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(looperName, "unknown")).Inc()
}

// RecordLockWait records a looper parking on a lock.
func (m *MetricsExporter) RecordLockWait(lockName string, priority core.Priority, exclusive bool) {
	if m == nil {
		return
	}
	m.lockWaitTotal.WithLabelValues(normalizeLabel(lockName, "unknown"), priorityLabel(priority), modeLabel(exclusive)).Inc()
}

// RecordLockGrant records a lock acquisition.
func (m *MetricsExporter) RecordLockGrant(lockName string, exclusive bool) {
	if m == nil {
		return
	}
	m.lockGrantTotal.WithLabelValues(normalizeLabel(lockName, "unknown"), modeLabel(exclusive)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.Priority) string {
	if priority < 0 {
		return "unknown"
	}
	return strconv.Itoa(int(priority))
}

func modeLabel(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
