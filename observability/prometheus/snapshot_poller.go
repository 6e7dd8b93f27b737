package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-looper/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ControllerSnapshotProvider provides current controller stats snapshots.
type ControllerSnapshotProvider interface {
	Stats() core.ControllerStats
}

// LooperSnapshotProvider provides current looper stats snapshots.
type LooperSnapshotProvider interface {
	Stats() core.LooperStats
}

// LockSnapshotProvider provides current lock stats snapshots.
type LockSnapshotProvider interface {
	Stats() core.LockStats
}

// SnapshotPoller periodically exports controller/looper/lock Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu          sync.RWMutex
	controllers map[string]ControllerSnapshotProvider
	loopers     map[string]LooperSnapshotProvider
	locks       map[string]LockSnapshotProvider

	controllerWorkers      *prom.GaugeVec
	controllerRunning      *prom.GaugeVec
	controllerRunningTasks *prom.GaugeVec
	controllerWaiting      *prom.GaugeVec
	controllerReady        *prom.GaugeVec
	controllerStopTheWorld *prom.GaugeVec

	looperPending *prom.GaugeVec
	looperRunning *prom.GaugeVec
	looperLocks   *prom.GaugeVec

	lockHolders   *prom.GaugeVec
	lockExclusive *prom.GaugeVec
	lockWaiting   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: defaultNamespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval:    interval,
		controllers: make(map[string]ControllerSnapshotProvider),
		loopers:     make(map[string]LooperSnapshotProvider),
		locks:       make(map[string]LockSnapshotProvider),

		controllerWorkers:      gauge("controller_workers", "Worker count per controller.", "controller"),
		controllerRunning:      gauge("controller_running", "Controller running state (1=running, 0=stopped).", "controller"),
		controllerRunningTasks: gauge("controller_running_tasks", "Tasks currently running per controller.", "controller"),
		controllerWaiting:      gauge("controller_waiting_workers", "Workers parked on the condition variable.", "controller"),
		controllerReady:        gauge("controller_ready_loopers", "Ready loopers per controller and priority.", "controller", "priority"),
		controllerStopTheWorld: gauge("controller_stop_the_world_pending", "Queued stop-the-world tasks per controller.", "controller"),

		looperPending: gauge("looper_pending", "Queued tasks per looper.", "looper"),
		looperRunning: gauge("looper_running", "Looper running state (1=task running, 0=not).", "looper"),
		looperLocks:   gauge("looper_locks_held", "Locks held per looper.", "looper"),

		lockHolders:   gauge("lock_holders", "Current holders per lock.", "lock"),
		lockExclusive: gauge("lock_exclusive", "Lock mode (1=held exclusively, 0=otherwise).", "lock"),
		lockWaiting:   gauge("lock_waiting", "Loopers waiting per lock and priority.", "lock", "priority"),
	}

	for _, vec := range []**prom.GaugeVec{
		&p.controllerWorkers, &p.controllerRunning, &p.controllerRunningTasks,
		&p.controllerWaiting, &p.controllerReady, &p.controllerStopTheWorld,
		&p.looperPending, &p.looperRunning, &p.looperLocks,
		&p.lockHolders, &p.lockExclusive, &p.lockWaiting,
	} {
		registered, err := registerCollector(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}

	return p, nil
}

// AddController adds or replaces a controller snapshot provider by name.
func (p *SnapshotPoller) AddController(name string, provider ControllerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "controller")
	p.mu.Lock()
	p.controllers[name] = provider
	p.mu.Unlock()
}

// AddLooper adds or replaces a looper snapshot provider by name.
func (p *SnapshotPoller) AddLooper(name string, provider LooperSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "looper")
	p.mu.Lock()
	p.loopers[name] = provider
	p.mu.Unlock()
}

// AddLock adds or replaces a lock snapshot provider by name.
func (p *SnapshotPoller) AddLock(name string, provider LockSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "lock")
	p.mu.Lock()
	p.locks[name] = provider
	p.mu.Unlock()
}

// RemoveLooper stops exporting a looper, typically after SafeDeleteLooper.
func (p *SnapshotPoller) RemoveLooper(name string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.loopers, name)
	p.mu.Unlock()
	p.looperPending.DeleteLabelValues(name)
	p.looperRunning.DeleteLabelValues(name)
	p.looperLocks.DeleteLabelValues(name)
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.controllers {
		stats := provider.Stats()
		p.controllerWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.controllerRunning.WithLabelValues(name).Set(boolValue(stats.Running))
		p.controllerRunningTasks.WithLabelValues(name).Set(float64(stats.RunningTasks))
		p.controllerWaiting.WithLabelValues(name).Set(float64(stats.WaitingWorkers))
		p.controllerStopTheWorld.WithLabelValues(name).Set(float64(stats.StopTheWorldPending))
		for prio, n := range stats.ReadyByPriority {
			p.controllerReady.WithLabelValues(name, priorityLabel(core.Priority(prio))).Set(float64(n))
		}
	}

	for name, provider := range p.loopers {
		stats := provider.Stats()
		p.looperPending.WithLabelValues(name).Set(float64(stats.Pending))
		p.looperRunning.WithLabelValues(name).Set(boolValue(stats.Running))
		p.looperLocks.WithLabelValues(name).Set(float64(stats.LocksHeld))
	}

	for name, provider := range p.locks {
		stats := provider.Stats()
		p.lockHolders.WithLabelValues(name).Set(float64(stats.Holders))
		p.lockExclusive.WithLabelValues(name).Set(boolValue(stats.Exclusive))
		for prio, n := range stats.Waiting {
			p.lockWaiting.WithLabelValues(name, priorityLabel(core.Priority(prio))).Set(float64(n))
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
